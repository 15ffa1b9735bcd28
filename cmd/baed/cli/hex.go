package cli

import (
	"encoding/hex"
	"fmt"
)

func decodeHex32(s string, out *[32]byte) error {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 32 {
		return fmt.Errorf("cli: %q is not a 32-byte hex value", s)
	}
	copy(out[:], b)
	return nil
}
