package engine

import "github.com/omayhemo/debughost/pkg/apperr"

func notFoundError(containerID string) error {
	return apperr.Newf(apperr.NotFound, "no container with id %s", containerID)
}
