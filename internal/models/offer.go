package models

import (
	"github.com/shopspring/decimal"
)

// Offer is a rentable GPU machine advertised by the marketplace. Field names
// mirror the marketplace API so the JSON decodes directly.
type Offer struct {
	ID             int64           `json:"id"`
	GPUName        string          `json:"gpu_name"`
	NumGPUs        int             `json:"num_gpus"`
	GPURAMMB       int             `json:"gpu_ram"`
	DiskSpaceGB    float64         `json:"disk_space"`
	PricePerHour   decimal.Decimal `json:"dph_total"`
	CudaCapability float64         `json:"cuda_max_good"`
	Rentable       bool            `json:"rentable"`
	Rented         bool            `json:"rented"`
	Verified       bool            `json:"verified"`
	Verification   string          `json:"verification"`
	Geolocation    string          `json:"geolocation"`
	Reliability    float64         `json:"reliability"`
	InetDownMbps   float64         `json:"inet_down"`
	InetUpMbps     float64         `json:"inet_up"`
	InetDownCostTB decimal.Decimal `json:"internet_down_cost_per_tb"`
	InetUpCostTB   decimal.Decimal `json:"internet_up_cost_per_tb"`
	TotalFlops     float64         `json:"total_flops"`
	DLPerf         float64         `json:"dlperf"`
	GPUMemBW       float64         `json:"gpu_mem_bw"`
}

// TotalVRAMMB returns the aggregate VRAM across all GPUs on the offer, since
// the VRAM floor applies to the machine, not a single card.
func (o *Offer) TotalVRAMMB() int {
	n := o.NumGPUs
	if n < 1 {
		n = 1
	}
	return o.GPURAMMB * n
}

// IsVerified accepts either marketplace verification signal; hosts expose a
// boolean flag or a verification string depending on API version.
func (o *Offer) IsVerified() bool {
	return o.Verified || o.Verification == "verified"
}

// RuntimeBuild identifies the compute-runtime build requested at provision
// time. Pairing a legacy GPU driver with the current build breaks silently at
// the matrix-math layer, so the build is selected from the GPU's CUDA
// compute capability.
type RuntimeBuild struct {
	Torch       string `json:"torch"`
	TorchVision string `json:"torchvision"`
	IndexURL    string `json:"index_url"`
	CudaVersion string `json:"cuda_version"`
	Legacy      bool   `json:"legacy"`
}

// CUDA capability reference:
//
//	6.1 GTX 1080 Ti / TITAN Xp (legacy runtime only)
//	7.0 V100, 7.5 RTX 2080 Ti, 8.0 A100, 8.6 RTX 3090/A5000,
//	8.9 RTX 4090/L40, 9.0 H100
const modernCapabilityFloor = 7.0

// RuntimeBuildFor maps a GPU's CUDA capability onto the compatible runtime
// build. Unknown capability (zero) defaults to the modern build: it fails
// loudly at the health check instead of silently degrading on a pinned
// legacy stack.
func RuntimeBuildFor(cudaCapability float64) RuntimeBuild {
	if cudaCapability > 0 && cudaCapability < modernCapabilityFloor {
		return RuntimeBuild{
			Torch:       "torch==2.0.1+cu118",
			TorchVision: "torchvision==0.15.2+cu118",
			IndexURL:    "https://download.pytorch.org/whl/cu118",
			CudaVersion: "11.8",
			Legacy:      true,
		}
	}
	return RuntimeBuild{
		Torch:       "torch==2.9.1+cu128",
		TorchVision: "torchvision==0.20.1+cu128",
		IndexURL:    "https://download.pytorch.org/whl/cu128",
		CudaVersion: "12.8",
		Legacy:      false,
	}
}

// GPUCompatible reports whether a GPU's CUDA capability meets the configured
// minimum. Unknown capability is allowed through; such cards fail later at
// the health check rather than being filtered on missing metadata.
func GPUCompatible(cudaCapability, minimum float64) bool {
	if cudaCapability == 0 {
		return true
	}
	return cudaCapability >= minimum
}

// PortMapping is one host-port binding reported by the marketplace for a
// container port.
type PortMapping struct {
	HostIP   string `json:"HostIp"`
	HostPort string `json:"HostPort"`
}

// InstanceInfo is the marketplace's view of a rented contract.
type InstanceInfo struct {
	ID           int64                    `json:"id"`
	ActualStatus string                   `json:"actual_status"`
	StatusMsg    string                   `json:"status_msg"`
	PublicIP     string                   `json:"public_ipaddr"`
	Ports        map[string][]PortMapping `json:"ports"`
}
