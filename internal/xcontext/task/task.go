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


// Package task tracks the stack of operations a context is running under.
//
// The stack is what prefixes log messages and errors, e.g.
//
//	session 5f3a...: commit: store Person:P#1: conflict ...
package task

import (
	"context"
	"fmt"
	"strings"

	"lab.nexedi.com/kirr/go123/xerr"
)

// Task represents currently running operation.
type Task struct {
	Parent *Task
	Name   string
}

type taskKey struct{}

// Running creates new task and returns new context with that task set to current.
func Running(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, taskKey{}, &Task{Parent: Current(ctx), Name: name})
}

// Runningf is Running cousin with formatting support.
func Runningf(ctx context.Context, format string, argv ...interface{}) context.Context {
	return Running(ctx, fmt.Sprintf(format, argv...))
}

// Current returns current task represented by context, or nil.
func Current(ctx context.Context) *Task {
	task, _ := ctx.Value(taskKey{}).(*Task)
	return task
}

// ErrContext prefixes non-nil *errp with name of the task ctx is running.
//
// Use it under defer:
//
//	func commit(ctx context.Context) (err error) {
//		ctx = task.Running(ctx, "commit")
//		defer task.ErrContext(&err, ctx)
//		...
func ErrContext(errp *error, ctx context.Context) {
	task := Current(ctx)
	if task == nil {
		return
	}
	xerr.Context(errp, task.Name)
}

// Stack returns names of the task and of the tasks it runs under, outermost first.
func (t *Task) Stack() []string {
	var namev []string
	for ; t != nil; t = t.Parent {
		namev = append(namev, t.Name)
	}
	for i, j := 0, len(namev)-1; i < j; i, j = i+1, j-1 {
		namev[i], namev[j] = namev[j], namev[i]
	}
	return namev
}

// String returns operational stack joined with ": ".
//
// nil Task is represented as "".
func (t *Task) String() string {
	return strings.Join(t.Stack(), ": ")
}
