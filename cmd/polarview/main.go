package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"log"
	"math"
	"os"
	"path/filepath"
	"time"

	"polarproj/pkg/config"
	"polarproj/pkg/instrument"
	"polarproj/pkg/masking"
	"polarproj/pkg/polargrid"
	"polarproj/pkg/polarview"
)

func main() {
	configPath := flag.String("config", "polarproj.yml", "Configuration file (YAML)")
	imagesDir := flag.String("images", "", "Directory containing per-detector images named <panel>.raw (float32) or <panel>.png")
	outputDir := flag.String("output", "polar_output", "Directory to write the polar images to")
	maskFile := flag.String("masks", "", "Mask file to load (overrides the config setting)")
	writeConfig := flag.Bool("write-default-config", false, "Write a default configuration file and exit")
	flag.Parse()

	if *writeConfig {
		if err := config.CreateDefaultConfigFile(*configPath); err != nil {
			log.Fatalf("Failed to write default config: %v", err)
		}
		fmt.Printf("Default configuration written to: %s\n", *configPath)
		return
	}

	if *imagesDir == "" {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if len(cfg.Instrument.Panels) == 0 {
		log.Fatalf("Config %s defines no detector panels", *configPath)
	}

	instr, err := buildInstrument(cfg)
	if err != nil {
		log.Fatalf("Failed to build instrument: %v", err)
	}

	grid, err := polargrid.New(
		deg(cfg.Polar.TthMin), deg(cfg.Polar.TthMax),
		deg(cfg.Polar.EtaMin), deg(cfg.Polar.EtaMax),
		cfg.Polar.TthPixelSize, cfg.Polar.EtaPixelSize,
	)
	if err != nil {
		log.Fatalf("Failed to build polar grid: %v", err)
	}

	masks := masking.NewRegistry()
	maskPath := cfg.Output.MaskFile
	if *maskFile != "" {
		maskPath = *maskFile
	}
	if maskPath != "" {
		if err := masks.Load(maskPath); err != nil {
			log.Fatalf("Failed to load masks: %v", err)
		}
		fmt.Printf("Loaded %d masks from: %s\n", len(masks.MaskNames()), maskPath)
	}

	params, err := pipelineParams(cfg)
	if err != nil {
		log.Fatalf("Invalid pipeline configuration: %v", err)
	}

	pv := polarview.New(instr, grid, masks, params)

	images, err := loadDetectorImages(*imagesDir, instr)
	if err != nil {
		log.Fatalf("Failed to load detector images: %v", err)
	}
	if err := pv.SetImages(images); err != nil {
		log.Fatalf("Failed to set detector images: %v", err)
	}

	neta, ntth := grid.Shape()
	fmt.Println("================================")
	fmt.Println("POLAR RE-PROJECTION PIPELINE")
	fmt.Printf("Instrument: %d panels, grid %dx%d (eta x tth)\n",
		instr.NumPanels(), neta, ntth)
	fmt.Println("================================")

	startTime := time.Now()
	if err := pv.GenerateImage(); err != nil {
		log.Fatalf("Pipeline failed: %v", err)
	}
	processingTime := time.Since(startTime)

	for _, det := range instr.PanelNames() {
		if !pv.PanelHasData(det) {
			fmt.Printf("Warning: panel %s contributes no pixels to the polar view\n", det)
		}
	}

	if err := os.MkdirAll(*outputDir, 0755); err != nil {
		log.Fatalf("Failed to create output directory: %v", err)
	}

	display := scaled(pv.DisplayImage(), cfg.Output.Scale)
	computation := scaled(pv.ComputationImage(), cfg.Output.Scale)

	outputs := map[string][]float64{
		"display.png":     display,
		"computation.png": computation,
	}
	if bkg := pv.SnipBackground(); bkg != nil {
		outputs["snip_background.png"] = bkg
	}
	for name, img := range outputs {
		path := filepath.Join(*outputDir, name)
		if err := writeGrayPNG(path, img, ntth, neta); err != nil {
			log.Fatalf("Failed to write %s: %v", name, err)
		}
	}
	if err := writeRawFloat64(filepath.Join(*outputDir, "display.f64"),
		pv.DisplayImage()); err != nil {
		log.Fatalf("Failed to write raw output: %v", err)
	}

	valid := 0
	for _, v := range pv.DisplayImage() {
		if !math.IsNaN(v) {
			valid++
		}
	}
	fmt.Printf("\nPolar view generated in %.2f seconds\n", processingTime.Seconds())
	fmt.Printf("Valid pixels: %d of %d (%.1f%%)\n", valid, neta*ntth,
		100*float64(valid)/float64(neta*ntth))
	fmt.Printf("Outputs saved to: %s\n", *outputDir)
}

func deg(v float64) float64 { return v * math.Pi / 180 }

// buildInstrument constructs the instrument from the configuration,
// rejecting unknown panel kinds and distortion models.
func buildInstrument(cfg *config.Config) (*instrument.Instrument, error) {
	instr := instrument.New()
	if cfg.Instrument.BeamVec != [3]float64{} {
		instr.BeamVec = instrument.Vec3(cfg.Instrument.BeamVec)
	}
	instr.TvecS = instrument.Vec3(cfg.Instrument.SampleTvec)

	for _, pc := range cfg.Instrument.Panels {
		distortion, err := instrument.BuildDistortion(pc.Distortion, pc.DistortionParams)
		if err != nil {
			return nil, err
		}

		switch pc.Kind {
		case "planar", "":
			p := instrument.NewPlanarPanel(pc.Name, pc.Rows, pc.Cols,
				pc.PixelSize, instrument.Vec3(pc.Tilt), instrument.Vec3(pc.Translation))
			p.SetDistortion(distortion)
			instr.AddPanel(p)
		case "cylindrical":
			p := instrument.NewCylindricalPanel(pc.Name, pc.Rows, pc.Cols,
				pc.PixelSize, instrument.Vec3(pc.Tilt), instrument.Vec3(pc.Translation),
				pc.Radius)
			p.SetDistortion(distortion)
			instr.AddPanel(p)
		default:
			return nil, &instrument.UnsupportedDistortionModelError{Kind: pc.Kind}
		}
	}
	return instr, nil
}

// pipelineParams translates the configuration into pipeline parameters.
func pipelineParams(cfg *config.Config) (polarview.Params, error) {
	alg, err := polarview.ParseSnipAlgorithm(cfg.Snip.Algorithm)
	if err != nil {
		return polarview.Params{}, err
	}

	var distortion polarview.TthDistortion
	switch cfg.Distortion.Model {
	case "":
	case "scaled":
		distortion = &polarview.ScaledTthDistortion{Scale: cfg.Distortion.Scale}
	case "sample_layer":
		distortion = &polarview.SampleLayerDistortion{Standoff: cfg.Distortion.Standoff}
	default:
		return polarview.Params{}, fmt.Errorf("unknown distortion model %q", cfg.Distortion.Model)
	}

	return polarview.Params{
		SnipEnabled:          cfg.Snip.Enabled,
		SnipAlgorithm:        alg,
		SnipWidthDeg:         cfg.Snip.WidthDeg,
		SnipNumIter:          cfg.Snip.NumIter,
		ErodeSnipBand:        cfg.Snip.Erode,
		ApplySolidAngle:      cfg.Corrections.SolidAngle,
		ApplyPolarization:    cfg.Corrections.Polarization,
		PolarizationFraction: cfg.Corrections.PolarizationFraction,
		SubtractMinimum:      cfg.Corrections.SubtractMinimum,
		Distortion:           distortion,
		NumWorkers:           cfg.Processing.NumWorkers,
		Verbose:              cfg.Output.Verbose,
	}, nil
}

// loadDetectorImages reads <panel>.raw (little-endian float32, row-major)
// or <panel>.png for every panel that has one. Raw files win when both
// exist.
func loadDetectorImages(dir string, instr *instrument.Instrument) (map[string][]float64, error) {
	images := make(map[string][]float64)
	for _, det := range instr.PanelNames() {
		panel := instr.Panel(det)
		rawPath := filepath.Join(dir, det+".raw")
		if _, err := os.Stat(rawPath); err == nil {
			data, err := readRawFloat32(rawPath, panel.Rows()*panel.Cols())
			if err != nil {
				return nil, fmt.Errorf("reading %s: %w", rawPath, err)
			}
			images[det] = data
			continue
		}

		path := filepath.Join(dir, det+".png")
		if _, err := os.Stat(path); os.IsNotExist(err) {
			fmt.Printf("Warning: no image for panel %s (%s), skipping\n", det, path)
			continue
		}

		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		img, err := png.Decode(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("decoding %s: %w", path, err)
		}

		bounds := img.Bounds()
		data := make([]float64, bounds.Dx()*bounds.Dy())
		i := 0
		for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
			for x := bounds.Min.X; x < bounds.Max.X; x++ {
				r, g, b, _ := img.At(x, y).RGBA()
				// luminance of the 16-bit channels
				data[i] = 0.299*float64(r) + 0.587*float64(g) + 0.114*float64(b)
				i++
			}
		}
		images[det] = data
	}
	if len(images) == 0 {
		return nil, fmt.Errorf("no detector images found in %s", dir)
	}
	return images, nil
}

// scaled applies the configured output intensity scale.
func scaled(img []float64, scale string) []float64 {
	switch scale {
	case "sqrt":
		return polarview.SqrtScaleImage(img)
	case "log":
		return polarview.LogScaleImage(img)
	}
	return img
}

// writeGrayPNG normalizes the image to its valid intensity range and
// writes it as 16-bit grayscale. NaN pixels come out black.
func writeGrayPNG(path string, data []float64, width, height int) error {
	min, max := math.Inf(1), math.Inf(-1)
	for _, v := range data {
		if math.IsNaN(v) {
			continue
		}
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	span := max - min
	if span <= 0 {
		span = 1
	}

	img := image.NewGray16(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			v := data[y*width+x]
			if math.IsNaN(v) {
				continue
			}
			g := uint16((v - min) / span * math.MaxUint16)
			img.SetGray16(x, y, color.Gray16{Y: g})
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return png.Encode(f, img)
}

// writeRawFloat64 dumps the image as little-endian float64 for
// downstream numeric tooling.
func writeRawFloat64(path string, data []float64) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return binary.Write(f, binary.LittleEndian, data)
}

// readRawFloat32 reads a little-endian float32 frame of exactly n pixels.
func readRawFloat32(path string, n int) ([]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := make([]float32, n)
	if err := binary.Read(f, binary.LittleEndian, buf); err != nil {
		return nil, err
	}
	data := make([]float64, n)
	for i, v := range buf {
		data[i] = float64(v)
	}
	return data, nil
}
