// Package rocnn implements a convolutional classifier for detecting
// Rugulopteryx okamurae, a brown algae native to Japan and Korea that has
// become invasive in the Mediterranean, in multi-spectral satellite images.
//
// The model maps a batch of 6-band 64x64 tiles to one logit per tile (the
// raw presence score; apply a sigmoid for a probability). The architecture
// is fixed: all layer hyperparameters below are load-bearing constants
// derived from the 64x64x6 input size, so construction takes no arguments.
package rocnn

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/types/tensors/images"
)

// Input geometry. Tiles are channels-first: [batch, InputChannels, InputHeight, InputWidth].
const (
	InputHeight   = 64
	InputWidth    = 64
	InputChannels = 6

	// FlatFeatures is the length of the flattened feature vector fed to the
	// fully connected head: 64 channels over a 7x7 spatial grid.
	FlatFeatures = 7 * 7 * 64
)

// stage is one step of the pipeline: a graph transform plus the output
// dimensions (per example, batch axis excluded) it must produce.
type stage struct {
	name  string
	out   []int
	apply func(ctx *context.Context, x *Node) *Node
}

// pipeline is the network topology, in order. Convolutions and pooling run
// channels-first to match the tile layout. Stages that own parameters
// (convolutions and dense layers) get their own scope, named below.
var pipeline = []stage{
	{"conv1", []int{32, 31, 31}, func(ctx *context.Context, x *Node) *Node {
		x = layers.Convolution(ctx, x).Channels(32).KernelSize(4).Strides(2).
			NoPadding().ChannelsAxis(images.ChannelsFirst).Done()
		return activations.Relu(x)
	}},
	{"pool1", []int{32, 15, 15}, func(_ *context.Context, x *Node) *Node {
		return MaxPool(x).Window(3).Strides(2).NoPadding().
			ChannelsAxis(images.ChannelsFirst).Done()
	}},
	{"conv2", []int{64, 15, 15}, func(ctx *context.Context, x *Node) *Node {
		x = layers.Convolution(ctx, x).Channels(64).KernelSize(3).Strides(1).
			PadSame().ChannelsAxis(images.ChannelsFirst).Done()
		return activations.Relu(x)
	}},
	{"conv3", []int{64, 15, 15}, func(ctx *context.Context, x *Node) *Node {
		x = layers.Convolution(ctx, x).Channels(64).KernelSize(3).Strides(1).
			PadSame().ChannelsAxis(images.ChannelsFirst).Done()
		return activations.Relu(x)
	}},
	{"pool2", []int{64, 7, 7}, func(_ *context.Context, x *Node) *Node {
		return MaxPool(x).Window(3).Strides(2).NoPadding().
			ChannelsAxis(images.ChannelsFirst).Done()
	}},
	{"flatten", []int{FlatFeatures}, func(_ *context.Context, x *Node) *Node {
		return Reshape(x, x.Shape().Dimensions[0], -1)
	}},
	{"fc1", []int{512}, func(ctx *context.Context, x *Node) *Node {
		return activations.Relu(layers.DenseWithBias(ctx, x, 512))
	}},
	{"fc2", []int{64}, func(ctx *context.Context, x *Node) *Node {
		return activations.Relu(layers.DenseWithBias(ctx, x, 64))
	}},
	// Output logit: no activation.
	{"fc3", []int{1}, func(ctx *context.Context, x *Node) *Node {
		return layers.DenseWithBias(ctx, x, 1)
	}},
}

// ModelGraph builds the forward graph. It follows the train.ModelFn
// convention: inputs[0] is the batched tile tensor, shaped
// [batch, 6, 64, 64], and it returns a single logit node shaped [batch, 1].
//
// Each stage asserts its output dimensions, so a topology regression fails
// loudly at graph-building time.
func ModelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	_ = spec
	ctx = ctx.In("model")
	x := inputs[0]
	batchSize := x.Shape().Dimensions[0]
	x.AssertDims(batchSize, InputChannels, InputHeight, InputWidth)
	for _, s := range pipeline {
		x = s.apply(ctx.In(s.name), x)
		x.AssertDims(append([]int{batchSize}, s.out...)...)
	}
	return []*Node{x}
}
