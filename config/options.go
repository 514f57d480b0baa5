// Package config holds the core façade's typed configuration, its
// defaults, its constraint clamps, and the migration of legacy JSON keys
// from earlier settings files.
package config

import "runtime"

// RenderingBackend selects how decoded pages get from host memory to the
// screen. Only Cpu/CpuMT/Gpu are recognized; see pageflow's Non-goals for
// why the backends themselves are out of scope here — this is just the
// enum the core passes through to whichever backend the UI wires up.
type RenderingBackend string

const (
	Cpu   RenderingBackend = "Cpu"
	CpuMT RenderingBackend = "CpuMT"
	Gpu   RenderingBackend = "Gpu"
)

// BindingDirection controls which of a spread-view page pair is drawn on
// the left.
type BindingDirection string

const (
	Left  BindingDirection = "Left"
	Right BindingDirection = "Right"
)

// Options is the core façade's configuration, as exposed to configure().
// The zero value is not valid; use Defaults to obtain a populated Options.
type Options struct {
	RenderingBackend           RenderingBackend `json:"rendering_backend"`
	IsSpreadView               bool             `json:"is_spread_view"`
	BindingDirection           BindingDirection `json:"binding_direction"`
	SpreadViewFirstPageSingle  bool             `json:"spread_view_first_page_single"`
	DecodeWorkers              uint32           `json:"decode_workers"`
	L2CapacityMB               uint32           `json:"l2_capacity_mb"`
	CPUPrefetchRadius          uint32           `json:"cpu_prefetch_radius"`
	GPUPrefetchRadius          uint32           `json:"gpu_prefetch_radius"`
	ResamplingModeCPU          string           `json:"resampling_mode_cpu"`
	ResamplingModeGPU          string           `json:"resampling_mode_gpu"`
}

// knownResamplingModes is the validated set for ResamplingModeCPU/GPU.
var knownResamplingModes = map[string]bool{
	"nearest": true, "bilinear": true, "lanczos3": true, "mitchell": true,
}

// Defaults returns an Options populated with every default from the
// configuration schema.
func Defaults() Options {
	workers := runtime.GOMAXPROCS(0) / 2
	if workers < 1 {
		workers = 1
	}
	return Options{
		RenderingBackend:          CpuMT,
		IsSpreadView:              true,
		BindingDirection:          Left,
		SpreadViewFirstPageSingle: true,
		DecodeWorkers:             uint32(workers),
		L2CapacityMB:              4096,
		CPUPrefetchRadius:         10,
		GPUPrefetchRadius:         9,
		ResamplingModeCPU:         "bilinear",
		ResamplingModeGPU:         "bilinear",
	}
}

// L2CapacityBytes converts the configured megabyte budget to bytes, the
// unit the L2 cache's constructor expects.
func (o Options) L2CapacityBytes() int {
	return int(o.L2CapacityMB) * 1024 * 1024
}

// L1CapacityItems is the commonly-recommended item budget for L1, derived
// from the GPU prefetch radius per the schema's comment on
// l1_capacity_items: 2*R_L1 + 2 (the window plus headroom for the outgoing
// display pair during a navigation).
func (o Options) L1CapacityItems() int {
	return 2*int(o.GPUPrefetchRadius) + 2
}

// Validate clamps every field to its documented constraint in place. It
// never returns an error: out-of-range configuration is corrected, not
// rejected, per the spec's "configuration errors ... fall back to defaults"
// propagation rule.
func (o *Options) Validate() {
	if o.DecodeWorkers < 1 {
		o.DecodeWorkers = 1
	}
	if o.L2CapacityMB < 64 {
		o.L2CapacityMB = 64
	}
	if o.GPUPrefetchRadius > o.CPUPrefetchRadius {
		o.GPUPrefetchRadius = o.CPUPrefetchRadius
	}
	if o.RenderingBackend != Cpu && o.RenderingBackend != CpuMT && o.RenderingBackend != Gpu {
		o.RenderingBackend = CpuMT
	}
	if o.BindingDirection != Left && o.BindingDirection != Right {
		o.BindingDirection = Left
	}
	if o.ResamplingModeCPU != "" && !knownResamplingModes[o.ResamplingModeCPU] {
		o.ResamplingModeCPU = Defaults().ResamplingModeCPU
	}
	if o.ResamplingModeGPU != "" && !knownResamplingModes[o.ResamplingModeGPU] {
		o.ResamplingModeGPU = Defaults().ResamplingModeGPU
	}
}

// Migrate rewrites legacy key names found in raw into their current schema
// keys, in place, before the caller unmarshals raw into an Options. It
// handles three renames: max_prefetch_pages -> cpu_prefetch_radius;
// gpu_texture_cache_size and gpu_cache_page_count -> gpu_prefetch_radius;
// and resampling_mode, which fans out into resampling_mode_cpu and
// resampling_mode_gpu since one legacy setting covered both backends.
func Migrate(raw map[string]any) {
	if v, ok := raw["max_prefetch_pages"]; ok {
		if _, exists := raw["cpu_prefetch_radius"]; !exists {
			raw["cpu_prefetch_radius"] = v
		}
		delete(raw, "max_prefetch_pages")
	}
	for _, legacy := range []string{"gpu_texture_cache_size", "gpu_cache_page_count"} {
		if v, ok := raw[legacy]; ok {
			if _, exists := raw["gpu_prefetch_radius"]; !exists {
				raw["gpu_prefetch_radius"] = v
			}
			delete(raw, legacy)
		}
	}
	if v, ok := raw["resampling_mode"]; ok {
		if _, exists := raw["resampling_mode_cpu"]; !exists {
			raw["resampling_mode_cpu"] = v
		}
		if _, exists := raw["resampling_mode_gpu"]; !exists {
			raw["resampling_mode_gpu"] = v
		}
		delete(raw, "resampling_mode")
	}
}
