package vulkan

import (
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/core1_2"
	"github.com/vkngwrapper/extensions/v2/khr_buffer_device_address"
	khr_buffer_device_address_shim "github.com/vkngwrapper/extensions/v2/khr_buffer_device_address/shim"
)

type ExtensionData struct {
	BufferDeviceAddress khr_buffer_device_address_shim.Shim
}

// NewExtensionData probes the device for the capabilities the backend can take
// advantage of. Buffer device address support makes every created buffer
// addressable from shaders by raw pointer, which voxel traversal kernels use to
// chase brick references without descriptor indirection.
func NewExtensionData(device core1_0.Device) *ExtensionData {
	data := &ExtensionData{}

	device12 := core1_2.PromoteDevice(device)
	if device12 != nil {
		// Core 1.2 active - that means we can use khr_buffer_device_address
		data.BufferDeviceAddress = device12
	}

	// khr_buffer_device_address if core 1.2 is not active
	if data.BufferDeviceAddress == nil && device.IsDeviceExtensionActive(khr_buffer_device_address.ExtensionName) {
		extension := khr_buffer_device_address.CreateExtensionFromDevice(device)
		data.BufferDeviceAddress = khr_buffer_device_address_shim.NewShim(extension, device)
	}

	return data
}
