package diagram

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/ensemble/pkg/schema"
)

func TestRenderImagePNG(t *testing.T) {
	model, err := Build(mustParse(t, parallelYAML), nil)
	require.NoError(t, err)

	png, err := RenderImage(context.Background(), model, FormatPNG)
	require.NoError(t, err)
	require.True(t, len(png) > 8, "PNG should be larger than header")
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, png[:4])
}

func TestRenderImageSVGWithStatus(t *testing.T) {
	results := []*schema.StepResult{
		{Path: "fetch", Status: schema.NodeSucceeded},
		{Path: "transform", Status: schema.NodeSkipped},
	}
	model, err := Build(mustParse(t, linearYAML), results)
	require.NoError(t, err)

	svg, err := RenderImage(context.Background(), model, FormatSVG)
	require.NoError(t, err)
	assert.Contains(t, string(svg), "<svg")
	assert.Contains(t, string(svg), "transform")
}

func TestRenderImageUnsupportedFormat(t *testing.T) {
	model, err := Build(mustParse(t, loopYAML), nil)
	require.NoError(t, err)

	_, err = RenderImage(context.Background(), model, "gif")
	require.Error(t, err)
}
