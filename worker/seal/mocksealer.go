/*
Copyright (c) Edgeless Systems GmbH

SPDX-License-Identifier: BUSL-1.1
*/

package seal

// MockSealer is a Sealer that does not encrypt. Only for testing.
type MockSealer struct {
	// UnsealError is returned by Unseal if set.
	UnsealError error
}

// Seal implements Sealer.
func (s *MockSealer) Seal(metadata, plaintext []byte) ([]byte, error) {
	return frame(metadata, plaintext), nil
}

// Unseal implements Sealer.
func (s *MockSealer) Unseal(sealed []byte) ([]byte, []byte, error) {
	if s.UnsealError != nil {
		return nil, nil, s.UnsealError
	}
	metadata, plaintext, err := prepareCipherText(sealed)
	if err != nil {
		return nil, nil, err
	}
	return metadata, append([]byte{}, plaintext...), nil
}
