package crypto

import "crypto/sha256"

// SHA256 returns the SHA256 digest of data.
func SHA256(data []byte) []byte {
	digest := sha256.Sum256(data)
	return digest[:]
}

// SimpleHashFromTwoHashes chains two digests into one. It is used to fold an
// ordered list of hashes, such as a committee's member keys, into a single
// fingerprint.
func SimpleHashFromTwoHashes(left, right []byte) []byte {
	hasher := sha256.New()
	hasher.Write(left)
	hasher.Write(right)
	return hasher.Sum(nil)
}
