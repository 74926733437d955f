// Package function is the contract between a user project and kiln.
//
// A project exposes a Register(*function.Registry) func that registers one
// Descriptor per training or inference function. kiln generates a small
// program around that func which calls Main, the uniform entry point: it
// reads an Invocation, runs the named function and reports an
// ExecutionResult.
//
//	func Register(r *function.Registry) {
//		r.MustRegister(function.Train("mnist", trainMNIST, function.WithSchema("mnist.v1")))
//		r.MustRegister(function.Infer("classify", classify, function.OnCPU()))
//	}
package function
