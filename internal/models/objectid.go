package models

import (
	"crypto/rand"
	"math/big"
)

const objectIDAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// NewObjectID generates a prefixed external identifier such as "bot_x7Kp..."
// used in API payloads alongside internal UUIDs.
func NewObjectID(prefix string) string {
	buf := make([]byte, 16)
	max := big.NewInt(int64(len(objectIDAlphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand failing is unrecoverable
			panic(err)
		}
		buf[i] = objectIDAlphabet[n.Int64()]
	}
	return prefix + "_" + string(buf)
}
