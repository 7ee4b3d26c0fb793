// Package viz draws the chunk layout of a page as an SVG graph.
package viz

import (
	"bytes"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"

	"github.com/astromechza/quadrillion-checkboxes/pkg/checkbox"
	"github.com/astromechza/quadrillion-checkboxes/pkg/chunk"
	"github.com/astromechza/quadrillion-checkboxes/pkg/page"
)

// RenderPageToSvg writes one node for the page and one per present chunk,
// labelled with its encoding, population and size.
func RenderPageToSvg(p checkbox.PageNo, pg *page.Page, w io.Writer) error {
	g := graphviz.New()
	defer g.Close()

	graph, err := g.Graph()
	if err != nil {
		return fmt.Errorf("failed to setup graph: %w", err)
	}
	defer graph.Close()

	root, err := graph.CreateNode("page")
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}
	root.SetShape(cgraph.BoxShape)
	root.SetLabel(fmt.Sprintf("page %d @%d\n%d chunks, %d bytes", p, pg.Time(), pg.Len(), pg.Bytes()))

	var nodeErr error
	pg.Range(func(i int, c *chunk.Chunk) {
		if nodeErr != nil {
			return
		}
		n, err := graph.CreateNode("chunk" + strconv.Itoa(i))
		if err != nil {
			nodeErr = fmt.Errorf("failed to create node: %w", err)
			return
		}
		n.SetLabel(fmt.Sprintf("#%d [%d, %d)\n%s ones=%d len=%d\n%d bytes",
			i, checkbox.ChunkStart(i), checkbox.ChunkStart(i)+checkbox.CheckboxesPerChunk,
			c.Kind(), c.Ones(), c.Len(), c.Bytes()))
		if _, err := graph.CreateEdge("edge"+strconv.Itoa(i), root, n); err != nil {
			nodeErr = fmt.Errorf("failed to create edge: %w", err)
		}
	})
	if nodeErr != nil {
		return nodeErr
	}

	if err := g.Render(graph, graphviz.SVG, w); err != nil {
		return fmt.Errorf("failed to render: %w", err)
	}
	return nil
}

// RenderToTemp renders into a new file in the temp directory and returns its
// path.
func RenderToTemp(p checkbox.PageNo, pg *page.Page) (string, error) {
	var buff bytes.Buffer
	if err := RenderPageToSvg(p, pg, &buff); err != nil {
		return "", err
	}
	tf := filepath.Join(os.TempDir(), fmt.Sprintf("page-%d-%d%d.svg", p, time.Now().UnixNano(), rand.Int()))
	if err := os.WriteFile(tf, buff.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("failed to write: %w", err)
	}
	return tf, nil
}
