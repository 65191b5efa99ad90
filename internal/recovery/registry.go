package recovery

import (
	"context"

	"github.com/forgemirror/forgemirror/internal/store/model"
)

// ResumeHandler re-enters an interrupted job of one kind. Handlers are
// registered at startup; a job whose kind has no handler is finalized as
// failed rather than dispatched dynamically.
type ResumeHandler interface {
	Kind() model.JobType
	Resume(ctx context.Context, job *model.Job) error
}

type HandlerRegistry struct {
	handlers map[model.JobType]ResumeHandler
}

func NewHandlerRegistry(handlers ...ResumeHandler) *HandlerRegistry {
	r := &HandlerRegistry{handlers: make(map[model.JobType]ResumeHandler, len(handlers))}
	for _, h := range handlers {
		r.handlers[h.Kind()] = h
	}
	return r
}

func (r *HandlerRegistry) Lookup(kind model.JobType) (ResumeHandler, bool) {
	h, ok := r.handlers[kind]
	return h, ok
}
