// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package poll

import (
	"errors"
	"fmt"

	"github.com/absmach/fluxpoll/queue"
)

var (
	// ErrNoAssignment is returned when partition queues must be rotated but
	// no partition is assigned.
	ErrNoAssignment = fmt.Errorf("no partitions assigned: %w", queue.ErrState)

	// ErrClosed is returned by polls on a closed strategy.
	ErrClosed = errors.New("poll strategy closed")
)
