package frame

import "testing"

func TestNumber(t *testing.T) {
	tests := []struct {
		name  string
		path  string
		frame int
		ok    bool
	}{
		{"ptcache with index", "cache_fluid_0042_00.bphys", 42, true},
		{"ptcache simple", "particles_000120.bphys", 120, true},
		{"openvdb", "fluid_mesh_0001.vdb", 1, true},
		{"mantaflow", "density_data_0250.vdb", 250, true},
		{"generic trailing digits", "render_17.png", 17, true},
		{"generic exr", "beauty_0099.exr", 99, true},
		{"six digit frame", "smoke_123456.vdb", 123456, true},
		{"nested path", "/work/cache/fluid/pressure_0033.uni", 33, true},
		{"no digits", "scene.obj", 0, false},
		{"digits not trailing", "v2_final.abc", 0, false},
		{"empty", "", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Number(tt.path)
			if ok != tt.ok {
				t.Fatalf("Number(%q) ok = %v, want %v", tt.path, ok, tt.ok)
			}
			if ok && got != tt.frame {
				t.Errorf("Number(%q) = %d, want %d", tt.path, got, tt.frame)
			}
		})
	}
}

func TestNumberPatternPrecedence(t *testing.T) {
	// The indexed ptcache form must win over the generic trailing-digits
	// form: the frame is the middle group, not the final index.
	got, ok := Number("cloth_0100_25.bphys")
	if !ok || got != 100 {
		t.Fatalf("Number = (%d, %v), want (100, true)", got, ok)
	}
}

func TestRecognized(t *testing.T) {
	for _, path := range []string{"a.bphys", "b.VDB", "c.uni", "d.exr", "sub/dir/e.ply"} {
		if !Recognized(path) {
			t.Errorf("Recognized(%q) = false, want true", path)
		}
	}
	for _, path := range []string{"a.txt", "b.blend", "noext", "c.vdb.tmp"} {
		if Recognized(path) {
			t.Errorf("Recognized(%q) = true, want false", path)
		}
	}
}

func TestContentType(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"frame_0001.png", "image/png"},
		{"archive_0002.gz", "application/gzip"},
		{"mesh_0003.obj", "text/plain"},
		{"fluid_0004.vdb", "application/octet-stream"},
		{"points_0005.bphys", "application/octet-stream"},
	}
	for _, tt := range tests {
		if got := ContentType(tt.path); got != tt.want {
			t.Errorf("ContentType(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}
