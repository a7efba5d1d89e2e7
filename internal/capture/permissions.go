package capture

import "context"

// StaticPermissions grants a fixed set of permissions, for headless runs
// where there is no platform prompt.
type StaticPermissions struct {
	Granted []Permission
}

func GrantAll() *StaticPermissions {
	return &StaticPermissions{Granted: []Permission{PermissionScreenCapture, PermissionRecordAudio}}
}

func (p *StaticPermissions) RequestPermissions(ctx context.Context, perms []Permission) (map[Permission]bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	result := make(map[Permission]bool, len(perms))
	for _, want := range perms {
		result[want] = false
		for _, g := range p.Granted {
			if g == want {
				result[want] = true
				break
			}
		}
	}
	return result, nil
}
