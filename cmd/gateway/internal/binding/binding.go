// Package binding ties a synchronizer to a consumer's attach/detach lifecycle.
package binding

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/ktatikon/dex-mobile-v5-sub001/cmd/gateway/internal/syncer"
	"github.com/ktatikon/dex-mobile-v5-sub001/pkg/models"
)

var ErrDetached = errors.New("binding is detached")

type Synchronizer interface {
	Activate(subject models.Subject, opts syncer.Options) error
	ChangeSubject(subject models.Subject) error
	RefreshNow(ctx context.Context) (syncer.Outcome, error)
	Deactivate()
	State() models.SyncState
	Subscribe(fn func(models.SyncState)) (cancel func())
}

// Binding is what a consumer holds. While detached it only records the
// subject it wants; Attach activates the synchronizer with it.
type Binding struct {
	// op serializes lifecycle calls into the synchronizer; mu guards the
	// fields and is never held across those calls, since they notify
	// listeners that may read State.
	op           sync.Mutex
	mu           sync.Mutex
	synchronizer Synchronizer
	subject      models.Subject
	opts         syncer.Options
	attached     bool
	logger       *zap.Logger
}

func New(s Synchronizer, subject models.Subject, opts syncer.Options, logger *zap.Logger) (*Binding, error) {
	subject, err := models.NewSubject(subject.EntityID, subject.Resolution)
	if err != nil {
		return nil, err
	}
	return &Binding{synchronizer: s, subject: subject, opts: opts, logger: logger}, nil
}

func (b *Binding) Attach() error {
	b.op.Lock()
	defer b.op.Unlock()

	b.mu.Lock()
	attached, subject, opts := b.attached, b.subject, b.opts
	b.mu.Unlock()

	if attached {
		return nil
	}
	if err := b.synchronizer.Activate(subject, opts); err != nil {
		return err
	}

	b.mu.Lock()
	b.attached = true
	b.mu.Unlock()
	return nil
}

func (b *Binding) Detach() {
	b.op.Lock()
	defer b.op.Unlock()

	b.mu.Lock()
	attached := b.attached
	b.attached = false
	b.mu.Unlock()

	if attached {
		b.synchronizer.Deactivate()
	}
}

// SetInterval switches the resolution. An empty resolution switches to the live quote.
func (b *Binding) SetInterval(res models.Resolution) error {
	b.mu.Lock()
	entity := b.subject.EntityID
	b.mu.Unlock()

	subject, err := models.NewSubject(entity, res)
	if err != nil {
		return err
	}
	return b.setSubject(subject)
}

func (b *Binding) SetEntity(entityID string) error {
	b.mu.Lock()
	res := b.subject.Resolution
	b.mu.Unlock()

	subject, err := models.NewSubject(entityID, res)
	if err != nil {
		return err
	}
	return b.setSubject(subject)
}

func (b *Binding) setSubject(subject models.Subject) error {
	b.op.Lock()
	defer b.op.Unlock()

	b.mu.Lock()
	prev, attached := b.subject, b.attached
	if subject == prev {
		b.mu.Unlock()
		return nil
	}
	// recorded first so listeners of the new subject see it through State
	b.subject = subject
	b.mu.Unlock()

	if attached {
		if err := b.synchronizer.ChangeSubject(subject); err != nil {
			b.mu.Lock()
			b.subject = prev
			b.mu.Unlock()
			return err
		}
	}

	b.logger.Debug("Binding subject changed",
		zap.String("from", prev.Key()),
		zap.String("to", subject.Key()),
		zap.Bool("attached", attached),
	)
	return nil
}

// Refresh forces a sync. A failed fetch still returns nil: the failure shows
// up as a degraded state.
func (b *Binding) Refresh(ctx context.Context) error {
	b.mu.Lock()
	attached := b.attached
	b.mu.Unlock()

	if !attached {
		return ErrDetached
	}
	_, err := b.synchronizer.RefreshNow(ctx)
	return err
}

// State is the synchronizer's state, or an empty state for the wanted subject
// if the synchronizer has not caught up with it yet.
func (b *Binding) State() models.SyncState {
	b.mu.Lock()
	subject := b.subject
	b.mu.Unlock()

	st := b.synchronizer.State()
	if st.Subject != subject {
		return models.SyncState{Subject: subject}
	}
	return st
}

// OnChange registers fn for every state the synchronizer publishes.
func (b *Binding) OnChange(fn func(models.SyncState)) (cancel func()) {
	return b.synchronizer.Subscribe(fn)
}

func (b *Binding) Subject() models.Subject {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subject
}

func (b *Binding) Attached() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attached
}
