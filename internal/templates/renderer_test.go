package templates

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsTemplate(t *testing.T) {
	require.True(t, IsTemplate("{{ .value | upper }}"))
	require.False(t, IsTemplate("#value.toUpperCase()"))
	require.False(t, IsTemplate("amount * 2"))
}

func TestRendererEnvHonorsAllowList(t *testing.T) {
	dir := t.TempDir()
	sandbox, err := NewSandbox(dir, []string{"ALLOWED_VAR"})
	require.NoError(t, err)
	t.Setenv("ALLOWED_VAR", "visible")
	t.Setenv("SECRET_VAR", "hidden")

	renderer := NewRenderer(sandbox)

	tests := []struct {
		name     string
		template string
		want     string
	}{
		{name: "allow-listed env resolves", template: "{{ env \"ALLOWED_VAR\" }}", want: "visible"},
		{name: "unlisted env is empty", template: "{{ env \"SECRET_VAR\" }}", want: ""},
		{name: "expandenv honors the list", template: "{{ expandenv \"$SECRET_VAR$ALLOWED_VAR\" }}", want: "visible"},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			tmpl, err := renderer.CompileInline("inline", tc.template)
			require.NoError(t, err)
			rendered, err := tmpl.Render(map[string]any{})
			require.NoError(t, err)
			require.Equal(t, tc.want, rendered)
		})
	}
}

func TestRendererCompileFileHonoursSandbox(t *testing.T) {
	dir := t.TempDir()
	allowedDir := filepath.Join(dir, "templates")
	require.NoError(t, os.MkdirAll(allowedDir, 0o750))
	allowedFile := filepath.Join(allowedDir, "body.txt")
	require.NoError(t, os.WriteFile(allowedFile, []byte("hello {{ .name }}"), 0o600))
	sandbox, err := NewSandbox(allowedDir, nil)
	require.NoError(t, err)
	renderer := NewRenderer(sandbox)

	tests := []struct {
		name    string
		path    string
		context map[string]any
		want    string
		wantErr bool
	}{
		{
			name:    "renders file inside sandbox",
			path:    "body.txt",
			context: map[string]any{"name": "world"},
			want:    "hello world",
		},
		{
			name:    "rejects escaping sandbox",
			path:    "../escape.txt",
			wantErr: true,
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			tmpl, err := renderer.CompileFile(tc.path)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			rendered, err := tmpl.Render(tc.context)
			require.NoError(t, err)
			require.Equal(t, tc.want, rendered)
		})
	}
}

func TestRendererStripsSprigFileHelpers(t *testing.T) {
	renderer := NewRenderer(nil)

	helpers := []string{"readFile", "mustReadFile", "readDir", "mustReadDir", "glob"}
	for _, name := range helpers {
		name := name
		t.Run("removes "+name, func(t *testing.T) {
			_, ok := renderer.funcs[name]
			require.Falsef(t, ok, "expected sprig helper %q to be removed", name)
		})
	}

	t.Run("rejects removed helper", func(t *testing.T) {
		_, err := renderer.CompileInline("inline", "{{ readFile \"/etc/passwd\" }}")
		require.Error(t, err)
	})
}

func TestRenderTransformation(t *testing.T) {
	renderer := NewRenderer(nil)

	out, err := renderer.RenderTransformation("t", "{{ .value | upper }}", nil, "usd")
	require.NoError(t, err)
	require.Equal(t, "USD", out)

	record := map[string]any{"currency": "EUR", "amount": 100}
	out, err = renderer.RenderTransformation("t", "{{ .record.currency }}-{{ .value }}", record, "spot")
	require.NoError(t, err)
	require.Equal(t, "EUR-spot", out)

	// Empty sources compile to nothing and render to the empty string.
	out, err = renderer.RenderTransformation("t", "   ", nil, 1)
	require.NoError(t, err)
	require.Equal(t, "", out)
}

func TestRendererSandboxAccessorAndTemplateName(t *testing.T) {
	dir := t.TempDir()
	sandbox, err := NewSandbox(dir, nil)
	require.NoError(t, err)
	renderer := NewRenderer(sandbox)

	require.Equal(t, sandbox, renderer.Sandbox())

	tmpl, err := renderer.CompileInline("example", "static")
	require.NoError(t, err)
	require.Equal(t, "example", tmpl.Name())
}
