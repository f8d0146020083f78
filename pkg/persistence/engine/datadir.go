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
	"errors"
	"fmt"
	"os"

	"github.com/shirou/gopsutil/v3/disk"
)

// CheckDataDir creates dir if needed and verifies that the filesystem
// holding it has at least minFree bytes available. A zero minFree skips the
// space check.
func CheckDataDir(dir string, minFree uint64) error {
	if dir == "" {
		return errors.New("no data directory configured")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("data directory not usable: %w", err)
	}
	if minFree == 0 {
		return nil
	}
	usage, err := disk.Usage(dir)
	if err != nil {
		return fmt.Errorf("failed to read disk usage of %s: %w", dir, err)
	}
	if usage.Free < minFree {
		return fmt.Errorf("data directory %s has %d bytes free, need %d", dir, usage.Free, minFree)
	}
	return nil
}
