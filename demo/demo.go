// Demo for the R. okamurae satellite tile classifier.
//
// It loads (or creates) a model, scores a batch of 6-band 64x64 tiles and
// prints the presence probability per tile. Typical usage:
//
//	demo --model_dir ~/work/rocnn --epoch 12 --input tiles.bin
//	demo --checkpoint /tmp/rocnn.bin --create --save --overwrite
//
// It can also submit the occurrence-data export job that feeds the labeling
// pipeline:
//
//	GBIF_USER=... GBIF_PWD=... GBIF_EMAIL=... demo --gbif_request
package main

import (
	"flag"
	"fmt"
	"math"
	"math/rand"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	rocnn "github.com/NHafssa/Rugulopteryx-okamurae-Early-Detection"
	"github.com/NHafssa/Rugulopteryx-okamurae-Early-Detection/checkpoint"
	"github.com/NHafssa/Rugulopteryx-okamurae-Early-Detection/gbif"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	// Checkpoint location: either an explicit file, or the conventional
	// <model_dir>/<mode>/<name>/<name>_epoch_<epoch>.bin layout.
	flagCheckpoint = flag.String("checkpoint", "", "Checkpoint file to load the model from. Overrides --model_dir.")
	flagModelDir   = flag.String("model_dir", "", "Root directory of saved models, used with --mode, --name and --epoch.")
	flagMode       = flag.String("mode", "detection", "Model mode subdirectory under --model_dir.")
	flagName       = flag.String("name", "rocnn", "Model name under --model_dir.")
	flagEpoch      = flag.Int("epoch", 0, "Checkpoint epoch under --model_dir.")

	flagCreate    = flag.Bool("create", false, "Create a fresh model if no checkpoint exists at the given path.")
	flagSave      = flag.Bool("save", false, "Save the model back to the checkpoint path after scoring.")
	flagOverwrite = flag.Bool("overwrite", false, "Allow --save to replace an existing checkpoint.")

	flagInput = flag.String("input", "", "Tile tensor file (saved with tensors.Save), shaped [batch, 6, 64, 64]. "+
		"If empty, a random batch is scored instead.")
	flagBatch = flag.Int("batch", 1, "Batch size of the random input used when --input is empty.")

	flagGBIFRequest = flag.Bool("gbif_request", false, "Submit the R. okamurae occurrence download request and exit.")
	flagGBIFFetch   = flag.String("gbif_fetch", "", "Fetch the finished occurrence download with the given key and exit.")
	flagGBIFDest    = flag.String("gbif_dest", "", "Destination file for --gbif_fetch. Defaults to <key>.zip.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	if *flagGBIFRequest {
		client := must.M1(gbif.NewClientFromEnv())
		key := must.M1(client.RequestDownload(gbif.OccurrencePredicate(), gbif.FormatSimpleCSV))
		fmt.Printf("Download key = %s\n", key)
		return
	}
	if *flagGBIFFetch != "" {
		client := must.M1(gbif.NewClientFromEnv())
		dest := *flagGBIFDest
		if dest == "" {
			dest = *flagGBIFFetch + ".zip"
		}
		must.M(client.Fetch(*flagGBIFFetch, dest))
		return
	}

	backend := backends.MustNew()
	fmt.Printf("Backend %q:\t%s\n", backend.Name(), backend.Description())

	path := checkpointPath()
	var model *rocnn.Classifier
	if path == "" {
		model = must.M1(rocnn.New(backend))
	} else {
		onMissing := rocnn.FailFast
		if *flagCreate {
			onMissing = rocnn.CreateFresh
		}
		model = must.M1(rocnn.Load(backend, path, onMissing))
	}

	tiles := inputTiles()
	logits := must.M1(model.Forward(tiles))
	for i, row := range logits.Value().([][]float32) {
		fmt.Printf("tile %d: logit=%+.4f presence=%.1f%%\n", i, row[0], 100*sigmoid(row[0]))
	}

	if path != "" && *flagSave {
		if saved := must.M1(model.Save(path, *flagOverwrite)); !saved {
			fmt.Printf("checkpoint %q already exists, not overwritten (use --overwrite)\n", path)
		}
	}
}

func checkpointPath() string {
	if *flagCheckpoint != "" {
		return data.ReplaceTildeInDir(*flagCheckpoint)
	}
	if *flagModelDir != "" {
		return checkpoint.EpochPath(data.ReplaceTildeInDir(*flagModelDir), *flagMode, *flagName, *flagEpoch)
	}
	return ""
}

func inputTiles() *tensors.Tensor {
	if *flagInput != "" {
		return must.M1(tensors.Load(*flagInput))
	}
	flat := make([]float32, *flagBatch*rocnn.InputChannels*rocnn.InputHeight*rocnn.InputWidth)
	for i := range flat {
		flat[i] = rand.Float32()
	}
	return tensors.FromFlatDataAndDimensions(flat, *flagBatch, rocnn.InputChannels, rocnn.InputHeight, rocnn.InputWidth)
}

func sigmoid(x float32) float64 {
	return 1.0 / (1.0 + math.Exp(-float64(x)))
}
