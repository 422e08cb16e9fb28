//go:build cgo

package main

/*
#include <stdint.h>

typedef struct {
	float position[3];
	uint8_t color[3];
} depthstream_vertex;
*/
import "C"

import (
	"unsafe"

	"github.com/babelcloud/depthstream/internal/export"
	"github.com/babelcloud/depthstream/internal/player"
)

// depthstream_vertex must share the layout of player.Vertex.
var _ [unsafe.Sizeof(C.depthstream_vertex{}) - unsafe.Sizeof(player.Vertex{})]struct{}
var _ [unsafe.Sizeof(player.Vertex{}) - unsafe.Sizeof(C.depthstream_vertex{})]struct{}

func cbool(b bool) C.int {
	if b {
		return 1
	}
	return 0
}

//export depthstream_create
func depthstream_create() C.uint64_t {
	return C.uint64_t(export.Create())
}

//export depthstream_destroy
func depthstream_destroy(h C.uint64_t) {
	export.Destroy(export.Handle(h))
}

//export depthstream_initialize
func depthstream_initialize(h C.uint64_t, path *C.char) C.int {
	if path == nil {
		return 0
	}
	return cbool(export.Initialize(export.Handle(h), C.GoString(path)))
}

//export depthstream_connect_to_devices
func depthstream_connect_to_devices(h C.uint64_t) C.int {
	return cbool(export.ConnectToDevices(export.Handle(h)))
}

//export depthstream_disconnect_from_devices
func depthstream_disconnect_from_devices(h C.uint64_t) C.int {
	return cbool(export.DisconnectFromDevices(export.Handle(h)))
}

//export depthstream_start_reading
func depthstream_start_reading(h C.uint64_t) {
	export.StartReading(export.Handle(h))
}

//export depthstream_stop_reading
func depthstream_stop_reading(h C.uint64_t) {
	export.StopReading(export.Handle(h))
}

//export depthstream_update
func depthstream_update(h C.uint64_t) {
	export.Update(export.Handle(h))
}

//export depthstream_device_count
func depthstream_device_count(h C.uint64_t) C.int {
	return C.int(export.DeviceCount(export.Handle(h)))
}

//export depthstream_is_device_connected
func depthstream_is_device_connected(h C.uint64_t, index C.int) C.int {
	return cbool(export.IsDeviceConnected(export.Handle(h), int(index)))
}

//export depthstream_current_frame_id
func depthstream_current_frame_id(h C.uint64_t, index C.int) C.int64_t {
	return C.int64_t(export.CurrentFrameID(export.Handle(h), int(index)))
}

//export depthstream_current_frame_cloud_size
func depthstream_current_frame_cloud_size(h C.uint64_t, index C.int) C.int {
	return C.int(export.CurrentFrameCloudSize(export.Handle(h), int(index)))
}

//export depthstream_copy_current_frame_vertices
func depthstream_copy_current_frame_vertices(h C.uint64_t, index C.int, buf *C.depthstream_vertex, count C.int) C.int {
	if buf == nil || count <= 0 {
		return 0
	}
	vertices := unsafe.Slice((*player.Vertex)(unsafe.Pointer(buf)), int(count))
	return C.int(export.CopyCurrentFrameVertices(export.Handle(h), int(index), vertices))
}

//export depthstream_copy_device_model_transform
func depthstream_copy_device_model_transform(h C.uint64_t, index C.int, out *C.float) C.int {
	if out == nil {
		return 0
	}
	return cbool(export.CopyDeviceModelTransform(export.Handle(h), int(index), (*[16]float32)(unsafe.Pointer(out))))
}

//export depthstream_update_device_settings
func depthstream_update_device_settings(h C.uint64_t, path *C.char) C.int {
	if path == nil {
		return 0
	}
	return cbool(export.UpdateDeviceSettings(export.Handle(h), C.GoString(path)))
}

//export depthstream_update_color_settings
func depthstream_update_color_settings(h C.uint64_t, path *C.char) C.int {
	if path == nil {
		return 0
	}
	return cbool(export.UpdateColorSettings(export.Handle(h), C.GoString(path)))
}

//export depthstream_update_filters_settings
func depthstream_update_filters_settings(h C.uint64_t, path *C.char) C.int {
	if path == nil {
		return 0
	}
	return cbool(export.UpdateFiltersSettings(export.Handle(h), C.GoString(path)))
}

//export depthstream_update_model_settings
func depthstream_update_model_settings(h C.uint64_t, path *C.char) C.int {
	if path == nil {
		return 0
	}
	return cbool(export.UpdateModelSettings(export.Handle(h), C.GoString(path)))
}
