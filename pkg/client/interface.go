package client

import "context"

// VisionClient asks a vision-language model about an image
type VisionClient interface {
	// Describe sends prompt together with a base64 encoded image and returns
	// the model's plain text answer
	Describe(ctx context.Context, model, prompt, imgB64 string) (string, error)
}
