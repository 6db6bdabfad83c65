package service

import (
	"fmt"
	"time"

	"github.com/jaevor/go-nanoid"
)

const (
	referenceAlphabet = "0123456789ABCDEF"
	referenceLength   = 8
)

// ReferenceGenerator returns order references of the form ORD-YYYYMMDD-XXXXXXXX.
type ReferenceGenerator func() string

// NewReferenceGenerator builds a generator keyed by the date returned from now.
func NewReferenceGenerator(now func() time.Time) (ReferenceGenerator, error) {
	if now == nil {
		now = time.Now
	}
	random, err := nanoid.CustomASCII(referenceAlphabet, referenceLength)
	if err != nil {
		return nil, fmt.Errorf("failed to create reference generator: %w", err)
	}
	return func() string {
		return fmt.Sprintf("ORD-%s-%s", now().Format("20060102"), random())
	}, nil
}
