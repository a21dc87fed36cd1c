// nolint: gochecknoglobals
package idgenerator

import gonanoid "github.com/matoous/go-nanoid/v2"

const (
	ProcessSuffixLength        = 5
	EtcdNamespaceForTestLength = 10
)

// alphabet used in ID generation.
var alphabet = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

func Random(length int) string {
	return gonanoid.MustGenerate(alphabet, length)
}

func ProcessSuffix() string {
	return Random(ProcessSuffixLength)
}

func EtcdNamespaceForTest() string {
	return Random(EtcdNamespaceForTestLength) + "/"
}
