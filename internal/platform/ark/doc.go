// Package ark provides a generation.Adapter for Volcengine Ark image and
// video generation.
//
// Images are generated synchronously and returned from Start. Videos are
// created as Ark content-generation tasks: Start returns the Ark task id,
// which is then observed through Poll or through the JSON callback Ark
// posts when the task finishes (decoded by DecodeCallback).
package ark
