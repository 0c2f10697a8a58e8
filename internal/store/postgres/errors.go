package postgres

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/idost/parasto-jobs/internal/core"
)

// classify maps a write failure to a storage class by SQLSTATE.
//
//	23xxx, 22xxx  constraint (bad row data, duplicate or dangling key)
//	42501         permission
//	08xxx, 53xxx, 57Pxx, 40001, 40P01  transient
//
// Network failures and timeouts are transient; everything else is unknown.
func classify(err error) core.StorageClass {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "42501":
			return core.StoragePermission
		case pgErr.Code == "40001", pgErr.Code == "40P01":
			return core.StorageTransient
		case strings.HasPrefix(pgErr.Code, "23"), strings.HasPrefix(pgErr.Code, "22"):
			return core.StorageConstraint
		case strings.HasPrefix(pgErr.Code, "08"),
			strings.HasPrefix(pgErr.Code, "53"),
			strings.HasPrefix(pgErr.Code, "57P"):
			return core.StorageTransient
		}
		return core.StorageUnknown
	}

	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		pgconn.Timeout(err),
		pgconn.SafeToRetry(err),
		errors.As(err, &netErr):
		return core.StorageTransient
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return core.StorageTransient
	}
	return core.StorageUnknown
}

// storageError wraps err with its class.
func storageError(err error) error {
	return core.NewStorageError(classify(err), err)
}
