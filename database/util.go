package database

import (
	"bytes"
	"fmt"
	"hash/crc32"
)

const lockIdSalt uint = 1486364155

// GenerateLockId derives a stable numeric lock identifier from the database
// name (plus optional qualifiers such as the schema name), for stores that
// implement locking through named or numeric server-side locks.
// Inspired by how rails migrations compute advisory lock ids.
func GenerateLockId(databaseName string, additionalNames ...string) (string, error) {
	if len(databaseName) == 0 {
		return "", fmt.Errorf("database name is empty")
	}
	buf := bytes.NewBufferString(databaseName)
	for _, name := range additionalNames {
		buf.WriteByte(0)
		buf.WriteString(name)
	}
	sum := crc32.ChecksumIEEE(buf.Bytes())
	sum = sum * uint32(lockIdSalt)
	return fmt.Sprint(sum), nil
}
