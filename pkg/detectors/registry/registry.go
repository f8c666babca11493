// Package registry maps detector kinds to constructors and wraps serialized
// models in a kind-tagged envelope so they can be restored without knowing
// their type up front.
package registry

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"slices"
	"sort"

	"github.com/hed1ad/turboguard/pkg/detectors"
	"github.com/hed1ad/turboguard/pkg/detectors/autoencoder"
	"github.com/hed1ad/turboguard/pkg/detectors/iforest"
	"github.com/hed1ad/turboguard/pkg/detectors/ocsvm"
	"github.com/hed1ad/turboguard/pkg/detectors/robustcov"
)

var factories = map[string]func() detectors.Detector{
	autoencoder.Kind: func() detectors.Detector { return autoencoder.New() },
	iforest.Kind:     func() detectors.Detector { return iforest.New() },
	ocsvm.Kind:       func() detectors.Detector { return ocsvm.New() },
	robustcov.Kind:   func() detectors.Detector { return robustcov.New() },
}

// Kinds returns the registered detector kinds in sorted order.
func Kinds() []string {
	kinds := make([]string, 0, len(factories))
	for k := range factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Known reports whether kind is registered.
func Known(kind string) bool {
	return slices.Contains(Kinds(), kind)
}

// Blank returns an unfitted detector of the given kind with default options.
func Blank(kind string) (detectors.Detector, error) {
	f, ok := factories[kind]
	if !ok {
		return nil, fmt.Errorf("unknown detector kind %q (known: %v)", kind, Kinds())
	}
	return f(), nil
}

type envelope struct {
	Kind    string
	Payload []byte
}

// Marshal serializes a fitted detector together with its kind.
func Marshal(d detectors.Detector) ([]byte, error) {
	payload, err := d.Save()
	if err != nil {
		return nil, fmt.Errorf("save %s: %w", d.Kind(), err)
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(envelope{Kind: d.Kind(), Payload: payload}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal restores a detector written by Marshal.
func Unmarshal(data []byte) (detectors.Detector, error) {
	var env envelope
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&env); err != nil {
		return nil, fmt.Errorf("decode model envelope: %w", err)
	}
	d, err := Blank(env.Kind)
	if err != nil {
		return nil, err
	}
	if err := d.Load(env.Payload); err != nil {
		return nil, err
	}
	return d, nil
}
