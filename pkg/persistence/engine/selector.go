// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package engine

import (
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/browserdb/pkg/persistence"
)

// Capabilities is the availability of each engine kind in this process.
type Capabilities map[Kind]error

// Available reports whether kind can be used.
func (c Capabilities) Available(kind Kind) bool {
	err, ok := c[kind]
	return ok && err == nil
}

// Selector picks one engine for the lifetime of the process. Drivers are
// given in preference order; the first available one wins. The choice is
// computed once and never changes afterwards.
type Selector struct {
	drivers []Driver
	forced  Kind
	log     *zap.SugaredLogger

	once   sync.Once
	chosen Driver
	caps   Capabilities
	err    error
}

// NewSelector creates a selector. forced may be KindAuto or empty to use
// the preference order.
func NewSelector(forced Kind, log *zap.SugaredLogger, drivers ...Driver) *Selector {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Selector{drivers: drivers, forced: forced, log: log}
}

// DetectCapabilities asks every driver whether it is usable.
func (s *Selector) DetectCapabilities() Capabilities {
	caps := make(Capabilities, len(s.drivers))
	for _, d := range s.drivers {
		caps[d.Kind()] = d.Available()
	}
	return caps
}

// Select returns the chosen driver, or persistence.ErrEnvironmentUnsupported
// if none is available.
func (s *Selector) Select() (Driver, error) {
	s.once.Do(func() {
		s.caps = s.DetectCapabilities()
		s.chosen, s.err = s.pick()
		if s.err != nil {
			s.log.Errorw("No storage engine available", "error", s.err)
			return
		}
		s.log.Infow("Storage engine selected", "engine", s.chosen.Kind())
	})
	return s.chosen, s.err
}

// Capabilities returns what Select saw. It triggers selection if needed.
func (s *Selector) Capabilities() Capabilities {
	_, _ = s.Select()
	return s.caps
}

func (s *Selector) pick() (Driver, error) {
	if s.forced != "" && s.forced != KindAuto {
		for _, d := range s.drivers {
			if d.Kind() != s.forced {
				continue
			}
			if err := s.caps[d.Kind()]; err != nil {
				return nil, fmt.Errorf("%w: engine %s: %v", persistence.ErrEnvironmentUnsupported, d.Kind(), err)
			}
			return d, nil
		}
		return nil, fmt.Errorf("%w: engine %s is not registered", persistence.ErrEnvironmentUnsupported, s.forced)
	}

	var reasons error
	for _, d := range s.drivers {
		err := s.caps[d.Kind()]
		if err == nil {
			return d, nil
		}
		reasons = multierr.Append(reasons, fmt.Errorf("%s: %w", d.Kind(), err))
	}
	if reasons == nil {
		return nil, fmt.Errorf("%w: no engines registered", persistence.ErrEnvironmentUnsupported)
	}
	return nil, fmt.Errorf("%w: %v", persistence.ErrEnvironmentUnsupported, reasons)
}
