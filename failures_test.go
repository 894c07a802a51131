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

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFailureTrackerBreachesOnce(t *testing.T) {
	tracker := NewFailureTracker(3)

	var breaches int
	for i := 1; i <= 5; i++ {
		count, breached := tracker.Failure("conn:acct")
		assert.Equal(t, i, count)
		if breached {
			breaches++
			assert.Equal(t, 3, count)
		}
	}
	assert.Equal(t, 1, breaches)

	tracker.Success("conn:acct")
	assert.Equal(t, 0, tracker.Count("conn:acct"))

	_, breached := tracker.Failure("conn:acct")
	assert.False(t, breached)
}

func TestFailureTrackerKeysAreIndependent(t *testing.T) {
	tracker := NewFailureTracker(2)
	tracker.Failure("a")
	_, breached := tracker.Failure("b")
	assert.False(t, breached)
	_, breached = tracker.Failure("a")
	assert.True(t, breached)
}

func TestFailureTrackerMinimumThreshold(t *testing.T) {
	tracker := NewFailureTracker(0)
	assert.Equal(t, 1, tracker.Threshold())
	_, breached := tracker.Failure("a")
	assert.True(t, breached)
}

func TestFailureTrackerConcurrent(t *testing.T) {
	tracker := NewFailureTracker(50)
	var wg sync.WaitGroup
	breaches := make(chan struct{}, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, breached := tracker.Failure("shared"); breached {
				breaches <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(breaches)

	assert.Equal(t, 100, tracker.Count("shared"))
	assert.Len(t, breaches, 1)
}
