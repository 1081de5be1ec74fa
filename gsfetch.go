package qsmpipe

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/carbocation/pfx"
)

// SplitGoogleStoragePath splits gs://bucket/path/to/object into its bucket and
// object names.
func SplitGoogleStoragePath(path string) (bucket, object string, err error) {
	pathParts := strings.SplitN(strings.TrimPrefix(path, "gs://"), "/", 2)
	if len(pathParts) != 2 || pathParts[0] == "" || pathParts[1] == "" {
		return "", "", fmt.Errorf("Tried to split your google storage path into 2 parts, but got %d: %v", len(pathParts), pathParts)
	}

	return pathParts[0], pathParts[1], nil
}

// Localize makes path available on the local filesystem. Local paths are
// returned unchanged (after ~ expansion) and must exist. gs:// paths are
// downloaded into tmpDir, keeping the object's base name so that suffixes like
// .nii.gz still mean something to the readers. The NIfTI reader only accepts
// filenames, which is why objects are copied rather than streamed.
func Localize(ctx context.Context, path, tmpDir string, client *storage.Client) (string, error) {
	if !IsGoogleStoragePath(path) {
		local := ExpandHome(path)
		if _, err := os.Stat(local); os.IsNotExist(err) {
			return "", MissingFile(local)
		} else if err != nil {
			return "", pfx.Err(err)
		}
		return local, nil
	}

	if client == nil {
		return "", fmt.Errorf("%s: a Google Storage client is required for gs:// paths", path)
	}

	bucketName, objectName, err := SplitGoogleStoragePath(path)
	if err != nil {
		return "", err
	}

	rdr, err := client.Bucket(bucketName).Object(objectName).NewReader(ctx)
	if err == storage.ErrObjectNotExist {
		return "", MissingFile(path)
	} else if err != nil {
		return "", pfx.Err(fmt.Errorf("%s: %w", path, err))
	}
	defer rdr.Close()

	if err := os.MkdirAll(tmpDir, 0755); err != nil {
		return "", pfx.Err(err)
	}

	out, err := os.CreateTemp(tmpDir, "*-"+filepath.Base(objectName))
	if err != nil {
		return "", pfx.Err(err)
	}

	if _, err := io.Copy(out, rdr); err != nil {
		out.Close()
		return "", pfx.Err(fmt.Errorf("%s: %w", path, err))
	}

	if err := out.Close(); err != nil {
		return "", pfx.Err(err)
	}

	return out.Name(), nil
}

// NewClientIfNeeded returns a Google Storage client only if one of paths
// points to Google Storage. Otherwise it returns nil.
func NewClientIfNeeded(ctx context.Context, paths ...string) (*storage.Client, error) {
	for _, p := range paths {
		if IsGoogleStoragePath(p) {
			return storage.NewClient(ctx)
		}
	}

	return nil, nil
}
