package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequireString(t *testing.T) {
	resp := &Response{Body: []byte(`{"upload":{"uploadId":"u-42"},"n":3}`)}

	id, err := resp.RequireString("upload/uploadId")
	require.NoError(t, err)
	assert.Equal(t, "u-42", id)

	_, err = resp.RequireString("upload/missing")
	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "upload/missing", pe.Path)
	assert.Contains(t, pe.Error(), `"uploadId":"u-42"`)

	_, err = resp.RequireString("n")
	require.ErrorAs(t, err, &pe)

	_, err = (&Response{Body: []byte("<html/>")}).RequireString("access_token")
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "<html/>", pe.Raw)
}

func TestJSON_RejectsNonObject(t *testing.T) {
	_, err := (&Response{Body: []byte(`[1,2]`)}).JSON()
	assert.Error(t, err)
	_, err = (&Response{Body: []byte(`null`)}).JSON()
	assert.Error(t, err)
}
