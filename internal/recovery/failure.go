// Package recovery is the last-resort boundary around rendering. It turns
// render errors and panics into classified failures and offers bounded
// retry, demo mode, reload and go-home escape hatches.
package recovery

import (
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
)

// Category groups failures by likely cause.
type Category string

const (
	CategoryNetwork    Category = "network"
	CategoryRender     Category = "render"
	CategoryData       Category = "data"
	CategoryPermission Category = "permission"
	CategoryUnknown    Category = "unknown"
)

// classifiers are checked in order; the first matching substring wins.
var classifiers = []struct {
	category Category
	needles  []string
}{
	{CategoryNetwork, []string{"network", "fetch", "timeout", "connection"}},
	{CategoryRender, []string{"webgl", "canvas", "render", "context lost"}},
	{CategoryData, []string{"data", "parse", "json", "undefined", "null"}},
	{CategoryPermission, []string{"permission", "denied", "unauthorized", "forbidden"}},
}

var suggestions = map[Category][]string{
	CategoryNetwork: {
		"Check your internet connection",
		"The analytics service may be temporarily unavailable",
		"Try again in a few moments",
	},
	CategoryRender: {
		"Your device may not support hardware-accelerated maps",
		"Try closing other tabs or applications",
		"Switch to demo mode to keep exploring",
	},
	CategoryData: {
		"The data for this region may be incomplete",
		"Try a different region or time range",
		"Reload to fetch fresh data",
	},
	CategoryPermission: {
		"You may not have access to this region's data",
		"Sign in again or contact your administrator",
	},
	CategoryUnknown: {
		"Try again",
		"Reload to reset the view",
		"Contact support if the problem persists",
	},
}

// Classify maps a failure message to a category by case-insensitive
// substring match.
func Classify(message string) Category {
	lower := strings.ToLower(message)
	for _, c := range classifiers {
		for _, n := range c.needles {
			if strings.Contains(lower, n) {
				return c.category
			}
		}
	}
	return CategoryUnknown
}

// Suggestions returns the remediation hints for c.
func Suggestions(c Category) []string {
	s, ok := suggestions[c]
	if !ok {
		s = suggestions[CategoryUnknown]
	}
	return append([]string(nil), s...)
}

// Failure is one caught render failure.
type Failure struct {
	ID          string    `json:"id"`
	Category    Category  `json:"category"`
	Message     string    `json:"message"`
	Suggestions []string  `json:"suggestions"`
	At          time.Time `json:"at"`
	Panic       bool      `json:"panic"`
	Stack       string    `json:"-"`
}

func (f *Failure) Error() string {
	return fmt.Sprintf("render failure %s (%s): %s", f.ID, f.Category, f.Message)
}

// NewFailure classifies err into a Failure with a fresh id.
func NewFailure(err error) *Failure {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	cat := Classify(msg)
	return &Failure{
		ID:          uuid.NewString(),
		Category:    cat,
		Message:     msg,
		Suggestions: Suggestions(cat),
		At:          time.Now().UTC(),
	}
}

// Catch runs fn and returns a Failure if it errors or panics.
func Catch(fn func() error) (f *Failure) {
	defer func() {
		if r := recover(); r != nil {
			err, ok := r.(error)
			if !ok {
				err = eris.Errorf("%v", r)
			}
			f = NewFailure(err)
			f.Panic = true
			f.Stack = string(debug.Stack())
		}
	}()
	if err := fn(); err != nil {
		return NewFailure(err)
	}
	return nil
}
