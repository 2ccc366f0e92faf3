package reconcile

import (
	"time"

	"github.com/nuzzle/caresync/internal/model"
	"github.com/nuzzle/caresync/internal/remote"
)

// Side names the copy that won a conflict.
type Side int

const (
	// Local means the local copy is kept and, when pushing, uploaded.
	Local Side = iota
	// Remote means the remote copy replaces the local one.
	Remote
)

func (s Side) String() string {
	if s == Remote {
		return "remote"
	}
	return "local"
}

// Resolve picks the copy with the later updated_at. Equal timestamps keep
// the local copy.
func Resolve(local, remote time.Time) Side {
	if remote.After(local) {
		return Remote
	}
	return Local
}

// ResolveEvent applies Resolve to an event pair and returns the winner.
func ResolveEvent(local model.Event, rec remote.EventRecord) (model.Event, Side) {
	if Resolve(local.UpdatedAt, rec.UpdatedAt) == Remote {
		return rec.Event(), Remote
	}
	return local.Clone(), Local
}

// ResolveSubject applies Resolve to a subject pair and returns the winner.
func ResolveSubject(local model.Subject, rec remote.SubjectRecord) (model.Subject, Side) {
	if Resolve(local.UpdatedAt, rec.UpdatedAt) == Remote {
		return rec.Subject(), Remote
	}
	return local, Local
}
