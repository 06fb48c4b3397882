package recovery

import (
	"context"
	"fmt"
	"regexp"
)

// Handler is a runbook step invoked when a matching error is observed.
type Handler func(ctx context.Context, err error) error

type kindHandler struct {
	kind    ErrorKind
	name    string
	handler Handler
	count   int
}

type patternHandler struct {
	re      *regexp.Regexp
	name    string
	handler Handler
	count   int
}

// RegisterErrorHandler attaches a runbook to a typed error kind.
func (m *Manager) RegisterErrorHandler(kind ErrorKind, name string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kindHandlers = append(m.kindHandlers, &kindHandler{kind: kind, name: name, handler: h})
}

// RegisterErrorPattern attaches a runbook to a regex over the error text.
// Only use this for unstructured third-party errors the classifier cannot
// translate into a kind.
func (m *Manager) RegisterErrorPattern(pattern, name string, h Handler) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Errorf("compile error pattern %q: %w", pattern, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patternHandlers = append(m.patternHandlers, &patternHandler{re: re, name: name, handler: h})
	return nil
}

// HandleKnownError classifies err and invokes the first matching runbook:
// kind handlers in registration order first, then pattern handlers. Returns
// whether a handler ran and the handler's error.
func (m *Manager) HandleKnownError(ctx context.Context, err error) (bool, error) {
	if err == nil {
		return false, nil
	}
	kind := Classify(err)

	m.mu.Lock()
	var match Handler
	var name string
	for _, kh := range m.kindHandlers {
		if kh.kind == kind {
			kh.count++
			match = kh.handler
			name = kh.name
			break
		}
	}
	if match == nil {
		msg := err.Error()
		for _, ph := range m.patternHandlers {
			if ph.re.MatchString(msg) {
				ph.count++
				match = ph.handler
				name = ph.name
				break
			}
		}
	}
	m.mu.Unlock()

	if match == nil {
		return false, nil
	}
	m.log.WithField("handler", name).Infof("Running recovery handler for %s", kind)
	return true, match(ctx, err)
}

// HandlerCounts returns per-handler invocation counts keyed by handler name.
func (m *Manager) HandlerCounts() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[string]int, len(m.kindHandlers)+len(m.patternHandlers))
	for _, kh := range m.kindHandlers {
		counts[kh.name] = kh.count
	}
	for _, ph := range m.patternHandlers {
		counts[ph.name] = ph.count
	}
	return counts
}
