// Package capture - Frame sources: video files and devices through OpenCV, numbered image
// directories, and a latest-wins asynchronous wrapper.
package capture

import (
	"context"

	"github.com/nvr-ai/go-featrec/inference"
)

// Source yields frames in order and returns io.EOF once exhausted. Sources are not restartable.
type Source interface {
	Next(ctx context.Context) (inference.Frame, error)
}
