package attachments

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/cloudinary/cloudinary-go/v2/api/uploader"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeUploader struct {
	params uploader.UploadParams
	body   []byte
}

func (f *fakeUploader) Upload(_ context.Context, file interface{}, p uploader.UploadParams) (*uploader.UploadResult, error) {
	f.params = p
	f.body, _ = io.ReadAll(file.(io.Reader))
	return &uploader.UploadResult{SecureURL: "https://res.cloudinary.com/demo/" + p.PublicID + ".png"}, nil
}

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

func TestUploadStoresImagesUnderTaskFolder(t *testing.T) {
	api := &fakeUploader{}
	store := &Cloudinary{API: api, Folder: "vc"}
	url, err := store.Upload(context.Background(), "t1", "fotos/vazamento.png", bytes.NewReader(pngHeader))
	require.NoError(t, err)
	assert.Equal(t, "https://res.cloudinary.com/demo/vazamento.png", url)
	assert.Equal(t, "vc/tasks/t1", api.params.Folder)
	assert.Equal(t, "image", api.params.ResourceType)
	assert.Equal(t, pngHeader, api.body)
}

func TestUploadRejectsUnknownTypes(t *testing.T) {
	store := &Cloudinary{API: &fakeUploader{}, Folder: "vc"}
	_, err := store.Upload(context.Background(), "t1", "notes.txt", strings.NewReader("just some text"))
	assert.ErrorIs(t, err, ErrUnsupportedType)
}
