/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package bankfeed

import "sync"

// FailureTracker counts consecutive sync failures per account. One tracker
// is created at startup and shared by every SyncService in the process.
type FailureTracker struct {
	mu        sync.Mutex
	threshold int
	counts    map[string]int
}

// NewFailureTracker creates a tracker that reports a breach when an account
// reaches threshold consecutive failures. A threshold below 1 is treated as 1.
func NewFailureTracker(threshold int) *FailureTracker {
	if threshold < 1 {
		threshold = 1
	}
	return &FailureTracker{threshold: threshold, counts: make(map[string]int)}
}

// Failure records a failed run for key.
//
// Returns:
// - int: The consecutive failure count including this failure.
// - bool: True only on the failure that makes the count equal the threshold.
func (f *FailureTracker) Failure(key string) (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[key]++
	count := f.counts[key]
	return count, count == f.threshold
}

// Success resets the counter for key.
func (f *FailureTracker) Success(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.counts, key)
}

func (f *FailureTracker) Count(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[key]
}

func (f *FailureTracker) Threshold() int {
	return f.threshold
}
