package server

import (
	"context"
	"database/sql"
	"errors"

	"github.com/IMQS/recordsearch/schema"
)

var errUnknownUser = errors.New("Unknown user")

// PermissionResolver produces the viewer for an authenticated user id
type PermissionResolver interface {
	ResolvePermissions(ctx context.Context, userID int64) (schema.Viewer, error)
}

// sqlPermissionResolver reads app_user and user_permission
type sqlPermissionResolver struct {
	db      *sql.DB
	dialect dialect
}

func (p *sqlPermissionResolver) ResolvePermissions(ctx context.Context, userID int64) (schema.Viewer, error) {
	if userID == 0 {
		return schema.Anonymous(), nil
	}

	v := schema.Viewer{UserID: userID, Permissions: schema.Permissions{}}
	stmt, args, err := bindNamed(p.dialect, "SELECT super_admin FROM app_user WHERE id = :user AND deleted_at IS NULL", map[string]any{"user": userID})
	if err != nil {
		return v, err
	}
	var superAdmin int
	if err := p.db.QueryRowContext(ctx, stmt, args...).Scan(&superAdmin); err == sql.ErrNoRows {
		return v, errUnknownUser
	} else if err != nil {
		return v, err
	}
	v.SuperAdmin = superAdmin != 0

	stmt, args, err = bindNamed(p.dialect, `SELECT datatype_id, can_view, can_edit, can_delete, can_add, is_admin
		FROM user_permission WHERE user_id = :user`, map[string]any{"user": userID})
	if err != nil {
		return v, err
	}
	rows, err := p.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return v, err
	}
	defer rows.Close()
	for rows.Next() {
		var datatypeID int64
		var perm schema.DatatypePermission
		if err := rows.Scan(&datatypeID, &perm.View, &perm.Edit, &perm.Delete, &perm.Add, &perm.Admin); err != nil {
			return v, err
		}
		v.Permissions[datatypeID] = perm
	}
	return v, rows.Err()
}
