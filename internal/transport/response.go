// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package transport

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jeranaias/paylink/internal/util"
)

// Response is the single ASCII line the server writes back.
type Response string

// Response lines.
const (
	RespSuccess          Response = "ACK:SUCCESS"
	RespEmptyPayload     Response = "ERROR:EMPTY_PAYLOAD"
	RespDecryptionFailed Response = "ERROR:DECRYPTION_FAILED"
	RespProcessingFailed Response = "ERROR:PROCESSING_FAILED"
)

// ErrUnknownResponse indicates the peer sent a line that is not a known response.
var ErrUnknownResponse = errors.New("unknown response line")

// OK reports whether r acknowledges success.
func (r Response) OK() bool {
	return r == RespSuccess
}

func (r Response) String() string {
	return string(r)
}

// ParseResponse maps a received line to a Response.
func ParseResponse(line string) (Response, error) {
	switch r := Response(strings.TrimSpace(line)); r {
	case RespSuccess, RespEmptyPayload, RespDecryptionFailed, RespProcessingFailed:
		return r, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownResponse, util.TruncateRunes(line, 64))
}
