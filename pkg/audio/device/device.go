// Package device implements [audio.CaptureSource] and [audio.Output] on top
// of miniaudio via malgo.
//
// A single [Context] owns the miniaudio backend; capture and playback devices
// are opened from it per session and released independently, so a session
// can give the microphone back without tearing down the backend.
package device

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/gen2brain/malgo"
)

// Context owns the miniaudio backend context.
type Context struct {
	audioCtx *malgo.AllocatedContext
}

// NewContext initialises the default miniaudio backend.
func NewContext() (*Context, error) {
	audioCtx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		slog.Debug("malgo", "msg", strings.TrimSpace(message))
	})
	if err != nil {
		return nil, fmt.Errorf("device: init context: %w", err)
	}
	return &Context{audioCtx: audioCtx}, nil
}

// Close releases the backend. All devices opened from the context must be
// closed first.
func (c *Context) Close() error {
	if c.audioCtx == nil {
		return nil
	}
	err := c.audioCtx.Uninit()
	c.audioCtx.Free()
	c.audioCtx = nil
	if err != nil {
		return fmt.Errorf("device: uninit context: %w", err)
	}
	return nil
}
