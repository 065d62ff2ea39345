//go:build !darwin && !linux

package sandbox

func detectFilesystemType(string) (string, error) {
	return "", errFSDetectUnsupported
}
