// Copyright (C) 2018-2020  Nexedi SA and Contributors.
//                          Kirill Smelkov <kirr@nexedi.com>
//
// This program is free software: you can Use, Study, Modify and Redistribute
// it under the terms of the GNU General Public License version 3, or (at your
// option) any later version, as published by the Free Software Foundation.
//
// You can also Link and Combine this program with other software covered by
// the terms of any of the Free Software licenses or any of the Open Source
// Initiative approved licenses and Convey the resulting work. Corresponding
// source of such a combination shall include the source code for all other
// software used.
//
// This program is distributed WITHOUT ANY WARRANTY; without even the implied
// warranty of MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.
//
// See COPYING file for full licensing terms.
// See https://www.nexedi.com/licensing for rationale and options.


package isis
// update notification.

import (
	"sync"
)

// UpdateNotifier receives notifications about changed and disposed objects.
//
// It is typically consumed by presentation layers to refresh views.
type UpdateNotifier interface {
	AddChangedObject(a *Adapter)
	AddDisposedObject(a *Adapter)
}

// ChangedObjectsTracker is UpdateNotifier that collects notifications until drained.
//
// Every adapter is reported at most once per drain.
type ChangedObjectsTracker struct {
	mu       sync.Mutex
	changed  []*Adapter
	disposed []*Adapter
	seen     map[*Adapter]bool
}

func (t *ChangedObjectsTracker) AddChangedObject(a *Adapter) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.seen == nil {
		t.seen = make(map[*Adapter]bool)
	}
	if t.seen[a] {
		return
	}
	t.seen[a] = true
	t.changed = append(t.changed, a)
}

func (t *ChangedObjectsTracker) AddDisposedObject(a *Adapter) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disposed = append(t.disposed, a)
}

// ChangedObjects returns and forgets adapters reported as changed.
func (t *ChangedObjectsTracker) ChangedObjects() []*Adapter {
	t.mu.Lock()
	defer t.mu.Unlock()
	changed := t.changed
	t.changed = nil
	t.seen = nil
	return changed
}

// DisposedObjects returns and forgets adapters reported as disposed.
func (t *ChangedObjectsTracker) DisposedObjects() []*Adapter {
	t.mu.Lock()
	defer t.mu.Unlock()
	disposed := t.disposed
	t.disposed = nil
	return disposed
}

// Clear forgets all notifications.
func (t *ChangedObjectsTracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.changed = nil
	t.disposed = nil
	t.seen = nil
}
