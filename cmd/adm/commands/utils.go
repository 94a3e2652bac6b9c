// Package commands provides the cobra commands of the adm operator CLI
package commands

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"fieldsync/internal/config"
	"fieldsync/internal/di"
	"fieldsync/internal/observability"
)

// Env carries the configuration and logger shared by every command and opens
// the agent container on first use, so commands that never touch the local
// store do not create one.
type Env struct {
	Config *config.Config
	Logger *observability.Logger

	once      sync.Once
	container *di.ServiceContainer
	err       error
}

// Container returns the initialized agent container
func (e *Env) Container(ctx context.Context) (*di.ServiceContainer, error) {
	e.once.Do(func() {
		sc := di.NewServiceContainer(e.Config, nil, e.Logger)
		if err := sc.Initialize(ctx); err != nil {
			e.err = err
			return
		}
		e.container = sc
	})
	return e.container, e.err
}

// Close shuts the container down if it was opened
func (e *Env) Close(ctx context.Context) error {
	if e.container == nil {
		return nil
	}
	return e.container.Shutdown(ctx)
}

// maskDatabaseURL masks the credentials of a database URL for display
func maskDatabaseURL(url string) string {
	if at := strings.LastIndex(url, "@"); at >= 0 {
		if scheme := strings.Index(url, "://"); scheme >= 0 && scheme < at {
			return url[:scheme+3] + "***:***" + url[at:]
		}
	}
	return url
}

// formatTime renders a timestamp for tables, or "-" when unset
func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

// truncate shortens s to n runes for fixed-width columns
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 1 {
		return string(r[:n])
	}
	return string(r[:n-1]) + "…"
}

func printRule(w io.Writer, width int) {
	fmt.Fprintln(w, strings.Repeat("-", width))
}
