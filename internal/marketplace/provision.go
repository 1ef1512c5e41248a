package marketplace

import (
	"fmt"
	"strings"

	"github.com/museforge/muse-backend/internal/models"
)

// RentRequest is the body of a rent-by-ask PUT.
type RentRequest struct {
	ClientID string            `json:"client_id"`
	Image    string            `json:"image,omitempty"`
	Env      map[string]string `json:"env,omitempty"`
	OnStart  string            `json:"onstart,omitempty"`
	DiskGB   int               `json:"disk"`
	RunType  string            `json:"runtype"`
	Label    string            `json:"label,omitempty"`
}

const (
	defaultImage = "vastai/comfy:latest"
	defaultLabel = "muse-backend"
)

// defaultProvisionScript is the stock provisioning script the engine image
// understands. Used when no custom script is configured or when the
// configured one fails allow-list validation.
const defaultProvisionScript = "https://raw.githubusercontent.com/vast-ai/base-image/main/derivatives/pytorch/derivatives/comfyui/provisioning_scripts/default.sh"

// provisionScriptAllowList: custom provisioning scripts must come from one of
// these prefixes. Anything else runs arbitrary code on the instance with our
// tokens in the environment.
var provisionScriptAllowList = []string{
	"https://raw.githubusercontent.com/",
	"https://gist.githubusercontent.com/",
}

// ValidateProvisionScript reports whether a custom script URL is acceptable.
func ValidateProvisionScript(url string) bool {
	if url == "" {
		return false
	}
	for _, prefix := range provisionScriptAllowList {
		if strings.HasPrefix(url, prefix) {
			return true
		}
	}
	return false
}

// ProvisionOptions collects the knobs for assembling a rent request.
type ProvisionOptions struct {
	DiskGB           int
	ProvisionScript  string // custom script URL, optional
	UseDefaultScript bool   // forced fallback after a prior provisioning failure
	HuggingFaceToken string
	CivitaiToken     string
	OmitImage        bool // retry path for image manifest failures
}

// BuildRentRequest assembles the provision request for an offer. The runtime
// build is selected from the offer's CUDA capability so legacy cards get the
// pinned compatible stack.
func BuildRentRequest(offer models.Offer, opts ProvisionOptions) RentRequest {
	build := models.RuntimeBuildFor(offer.CudaCapability)

	env := map[string]string{
		"COMFYUI_ARGS":      "--listen --port 8188",
		"PYTORCH_PACKAGES":  fmt.Sprintf("%s %s", build.Torch, build.TorchVision),
		"PYTORCH_INDEX_URL": build.IndexURL,
		"CUDA_VERSION":      build.CudaVersion,
	}
	if opts.HuggingFaceToken != "" {
		env["HF_TOKEN"] = opts.HuggingFaceToken
	}
	if opts.CivitaiToken != "" {
		env["CIVITAI_TOKEN"] = opts.CivitaiToken
	}

	script := defaultProvisionScript
	if !opts.UseDefaultScript && ValidateProvisionScript(opts.ProvisionScript) {
		script = opts.ProvisionScript
	}
	env["PROVISIONING_SCRIPT"] = script

	req := RentRequest{
		ClientID: "me",
		Env:      env,
		DiskGB:   opts.DiskGB,
		RunType:  "args",
		Label:    defaultLabel,
	}
	if !opts.OmitImage {
		req.Image = defaultImage
	}
	return req
}
