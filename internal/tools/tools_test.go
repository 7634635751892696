package tools

import (
	"context"
	"testing"

	"github.com/gatewaybuddy/forgekeeper/internal/apierr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(i int) *int { return &i }

func echoDescriptor() Descriptor {
	return Descriptor{
		Name:        "echo",
		Description: "returns its input text",
		Params: map[string]*ParamSchema{
			"text": {Type: TypeString, Required: true, MaxLength: intPtr(1000)},
		},
	}
}

func writeFileDescriptor() Descriptor {
	return Descriptor{
		Name:        "write_file",
		Description: "writes content to a path",
		Gate:        "file_write",
		Params: map[string]*ParamSchema{
			"path":    {Type: TypeString, Required: true},
			"content": {Type: TypeString, Required: true},
		},
	}
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	require.NoError(t, r.Register(Registered{
		Descriptor: echoDescriptor(),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return args["text"], nil
		},
	}))
	require.NoError(t, r.Register(Registered{
		Descriptor: writeFileDescriptor(),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return "ok", nil
		},
	}))
	r.SetAllowlist([]string{"echo"})
	return r
}

func TestValidate_UnknownTool(t *testing.T) {
	r := newTestRegistry(t)
	err := r.Validate("does_not_exist", map[string]any{})
	require.NotNil(t, err)
	assert.Equal(t, apierr.ToolUnknown, err.Kind)
}

func TestValidate_GatedTool(t *testing.T) {
	r := newTestRegistry(t)
	err := r.Validate("write_file", map[string]any{"path": "a", "content": "b"})
	require.NotNil(t, err)
	assert.Equal(t, apierr.ToolGated, err.Kind)
	assert.Contains(t, err.Message, "write_file")
	assert.Contains(t, err.Message, "echo")
}

func TestValidate_MissingRequiredArg(t *testing.T) {
	r := newTestRegistry(t)
	err := r.Validate("echo", map[string]any{})
	require.NotNil(t, err)
	assert.Equal(t, apierr.ValidationError, err.Kind)
}

func TestValidate_WrongType(t *testing.T) {
	r := newTestRegistry(t)
	err := r.Validate("echo", map[string]any{"text": 123})
	require.NotNil(t, err)
	assert.Equal(t, apierr.ValidationError, err.Kind)
}

func TestValidate_UnknownExtraArgRejected(t *testing.T) {
	r := newTestRegistry(t)
	err := r.Validate("echo", map[string]any{"text": "hi", "extra": "nope"})
	require.NotNil(t, err)
	assert.Equal(t, apierr.ValidationError, err.Kind)
}

func TestValidate_Success(t *testing.T) {
	r := newTestRegistry(t)
	err := r.Validate("echo", map[string]any{"text": "hi"})
	assert.Nil(t, err)
}

func TestValidate_EnumAndRange(t *testing.T) {
	r := NewRegistry()
	minV, maxV := 0.0, 10.0
	require.NoError(t, r.Register(Registered{
		Descriptor: Descriptor{
			Name: "set_level",
			Params: map[string]*ParamSchema{
				"level":    {Type: TypeInteger, Required: true, Min: &minV, Max: &maxV},
				"severity": {Type: TypeString, Required: true, Enum: []any{"low", "high"}},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) { return nil, nil },
	}))
	r.SetAllowlist([]string{"set_level"})

	assert.Nil(t, r.Validate("set_level", map[string]any{"level": 5, "severity": "low"}))

	err := r.Validate("set_level", map[string]any{"level": 50, "severity": "low"})
	require.NotNil(t, err)

	err = r.Validate("set_level", map[string]any{"level": 5, "severity": "medium"})
	require.NotNil(t, err)
}

func TestDefaultAllowlist_ExcludesUngatedGates(t *testing.T) {
	r := newTestRegistry(t)
	names := r.DefaultAllowlist(map[string]bool{"file_write": false})
	assert.Contains(t, names, "echo")
	assert.NotContains(t, names, "write_file")

	names = r.DefaultAllowlist(map[string]bool{"file_write": true})
	assert.Contains(t, names, "write_file")
}

func TestList_SortedByName(t *testing.T) {
	r := newTestRegistry(t)
	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "echo", list[0].Name)
	assert.Equal(t, "write_file", list[1].Name)
}
