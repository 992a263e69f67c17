package kernel

import "context"

//go:generate mockgen -source translator.go -destination ./mocks/translator.go

// KernelBinary is one compiled kernel: its descriptor and its instructions
type KernelBinary struct {
	Descriptor Descriptor
	Isa        []byte
}

// Binary is the output of a module translation
type Binary struct {
	Kernels  []KernelBinary
	BuildLog string
}

// Translator is the compiler collaborator that turns intermediate language into device binaries
type Translator interface {
	Translate(ctx context.Context, il []byte, buildFlags string) (*Binary, error)
}
