// Package executor runs the external AI tool for one attempt and classifies
// the outcome for the retry layer.
package executor
