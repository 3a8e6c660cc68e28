// Command boundaryplot renders the reachable area of a delta robot at one
// height as a PNG.
package main

import (
	"context"
	"flag"
	"fmt"
	"image/color"
	"os"

	"github.com/mastercactapus/deltaplacer/boundary"
	"github.com/mastercactapus/deltaplacer/config"
	"github.com/mastercactapus/deltaplacer/coord"
	"github.com/mastercactapus/deltaplacer/kinematics"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
)

func main() {
	cfgFile := flag.String("config", "", "Path to a JSON config file; the nominal geometry is used if empty.")
	voxel := flag.Float64("voxel", 2, "Voxel size in mm.")
	z := flag.Float64("z", -120, "Height of the slice in mm.")
	out := flag.String("o", "boundary.png", "Output file.")
	flag.Parse()

	if err := run(*cfgFile, *voxel, *z, *out); err != nil {
		fmt.Fprintln(os.Stderr, "boundaryplot:", err)
		os.Exit(1)
	}
}

func run(cfgFile string, voxel, z float64, out string) error {
	cfg := config.Default()
	if cfgFile != "" {
		var err error
		if cfg, err = config.Load(cfgFile); err != nil {
			return err
		}
	}
	params := cfg.Geometry.Params()
	s, err := kinematics.NewSolver(params)
	if err != nil {
		return err
	}
	v, err := boundary.Build(context.Background(), s, params.Envelope(), voxel)
	if err != nil {
		return err
	}
	return render(v, z, out)
}

// render plots the reachable voxel centres of the layer containing z.
func render(v *boundary.Volume, z float64, out string) error {
	o := v.Origin()
	_, _, layer := v.Voxel(coord.Point{X: o.X, Y: o.Y, Z: z})
	centres := v.Layer(layer)
	if len(centres) == 0 {
		return fmt.Errorf("nothing reachable at z=%v", z)
	}

	pts := make(plotter.XYs, len(centres))
	for i, c := range centres {
		pts[i] = plotter.XY{X: c.X, Y: c.Y}
	}
	sc, err := plotter.NewScatter(pts)
	if err != nil {
		return err
	}
	sc.GlyphStyle.Shape = draw.BoxGlyph{}
	sc.GlyphStyle.Color = color.RGBA{R: 30, G: 110, B: 200, A: 255}
	sc.GlyphStyle.Radius = vg.Points(1)

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Reachable area at z=%.1f mm (%d voxels, %.1f mm)", centres[0].Z, len(centres), v.VoxelSize())
	p.X.Label.Text = "X (mm)"
	p.Y.Label.Text = "Y (mm)"
	p.Add(plotter.NewGrid(), sc)

	p.X.Min, p.X.Max = o.X, o.X+float64(v.Width())*v.VoxelSize()
	p.Y.Min, p.Y.Max = o.Y, o.Y+float64(v.Depth())*v.VoxelSize()

	return p.Save(8*vg.Inch, 8*vg.Inch, out)
}
