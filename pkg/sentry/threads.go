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

package sentry

import (
	"bytes"
	"path/filepath"
	"runtime"
	"strconv"

	"github.com/DataDog/gostackparse"
	"github.com/getsentry/sentry-go"
)

// goroutineThreads snapshots every goroutine as a Sentry thread. Goroutines
// that fail to parse are skipped.
func goroutineThreads() []sentry.Thread {
	goroutines, _ := gostackparse.Parse(bytes.NewReader(allStacks()))

	threads := make([]sentry.Thread, 0, len(goroutines))
	for _, g := range goroutines {
		threads = append(threads, sentry.Thread{
			ID:         strconv.Itoa(g.ID),
			Name:       "goroutine " + strconv.Itoa(g.ID) + " [" + g.State + "]",
			Stacktrace: &sentry.Stacktrace{Frames: toFrames(g.Stack)},
		})
	}
	return threads
}

func allStacks() []byte {
	buf := make([]byte, 4096)
	for {
		n := runtime.Stack(buf, true)
		if n < len(buf) {
			return buf[:n]
		}
		buf = make([]byte, 2*len(buf))
	}
}

// toFrames converts parsed frames, innermost first, into Sentry frames,
// which are ordered outermost first.
func toFrames(stack []*gostackparse.Frame) []sentry.Frame {
	frames := make([]sentry.Frame, len(stack))
	for i, f := range stack {
		frames[len(stack)-1-i] = sentry.Frame{
			Function: f.Func,
			Filename: filepath.Base(f.File),
			AbsPath:  f.File,
			Lineno:   f.Line,
		}
	}
	return frames
}
