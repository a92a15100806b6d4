package providers

import "context"

// GenerationProvider is the black-box text completion service.
// On timeout an implementation may return the partial text received together with the error.
type GenerationProvider interface {
	Complete(ctx context.Context, prompt string) (string, error)
}
