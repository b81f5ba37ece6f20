/*
Copyright (c) Edgeless Systems GmbH

SPDX-License-Identifier: BUSL-1.1
*/

package secret

import "errors"

// ErrDestroyed is returned when a destroyed buffer is accessed.
var ErrDestroyed = errors.New("secret buffer destroyed")
