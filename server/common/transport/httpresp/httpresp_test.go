package httpresp

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewItemsResponse_NilBecomesEmptyList(t *testing.T) {
	body, err := json.Marshal(NewItemsResponse[string](nil))
	require.NoError(t, err)
	assert.JSONEq(t, `{"items":[]}`, string(body))
}

func TestEnvelopes(t *testing.T) {
	body, err := json.Marshal(NewErrorResponse(ErrNotFound))
	require.NoError(t, err)
	assert.JSONEq(t, `{"error":"not found"}`, string(body))

	body, err = json.Marshal(NewOKResponse())
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(body))
}
