// Copyright (c) 2014 Utkan Güngördü <utkan@freeconsole.org>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package cuckoo

import "errors"

// Sentinel errors realize spec §7's cuckoo_status taxonomy as the
// idiomatic Go equivalent of a status-code enum: callers compare with
// errors.Is rather than switching on an integer.
var (
	// ErrNotFound is returned by Delete when the key is absent.
	ErrNotFound = errors.New("cuckoo: key not found")

	// ErrDuplicate is returned by Insert when the key is already
	// present.
	ErrDuplicate = errors.New("cuckoo: key already present")

	// ErrTableFull is returned by Insert when the BFS planner could
	// not find a relocation path within the configured kick budget
	// and retry count. The caller should Expand and retry.
	ErrTableFull = errors.New("cuckoo: no relocation path found within kick budget")

	// ErrUnderExpansion is returned by Expand when another expansion
	// is already running.
	ErrUnderExpansion = errors.New("cuckoo: expansion already in progress")

	// ErrReservedKey is returned by Insert and Delete when called with
	// the sentinel key (the zero value of K), which the table reserves
	// to mark empty slots.
	ErrReservedKey = errors.New("cuckoo: key 0 is reserved to mark empty slots")
)
