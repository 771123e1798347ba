// Package loader reads the numeric files a saliency run depends on.
//
// This package implements readers for:
//   - SafeTensors: network weights, one tensor per layer parameter
//     ("<layer>.weight", "<layer>.bias"); F16, BF16, F32 and F64 are
//     converted to float32
//   - NPY: NumPy arrays such as the ILSVRC per-pixel mean
//
// Example:
//
//	weights, err := loader.NewSafeTensorsReader("models/caffenet.safetensors")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer weights.Close()
//
//	mean, err := loader.LoadMean("models/ilsvrc_2012_mean.npy")
package loader
