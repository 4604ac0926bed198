package testdeps

import (
	"context"
	"testing"

	"github.com/pitabwire/util"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/network"
)

// BaseSuite starts the resources returned by InitResourceFunc on a private docker
// network before the suite runs and removes them afterwards. The suite is skipped
// under -short.
type BaseSuite struct {
	suite.Suite
	Network   *testcontainers.DockerNetwork
	resources []Resource

	InitResourceFunc func(ctx context.Context) []Resource
}

func (s *BaseSuite) SetupSuite() {
	t := s.T()
	if testing.Short() {
		t.Skip("skipping container backed suite in short mode")
	}

	ctx := t.Context()
	s.Require().NotNil(s.InitResourceFunc, "InitResourceFunc is required")

	ntwk, err := network.New(ctx)
	s.Require().NoError(err, "could not create network")
	s.Network = ntwk

	s.resources = s.InitResourceFunc(ctx)
	for _, res := range s.resources {
		util.Log(ctx).WithField("image", res.Name()).Info("setting up container")
		s.Require().NoError(res.Setup(ctx, ntwk), "could not set up %s", res.Name())
	}
}

func (s *BaseSuite) TearDownSuite() {
	ctx := context.Background()
	for _, res := range s.resources {
		res.Cleanup(ctx)
	}

	if s.Network != nil {
		if err := s.Network.Remove(ctx); err != nil {
			util.Log(ctx).WithError(err).Warn("could not remove network")
		}
	}
}

// Resources returns the started resources in the order they were declared.
func (s *BaseSuite) Resources() []Resource {
	return s.resources
}

// DSN returns the connection string of the resource at index.
func (s *BaseSuite) DSN(index int) string {
	s.Require().Greater(len(s.resources), index)
	dsn, err := s.resources[index].DSN(s.T().Context())
	s.Require().NoError(err)
	return dsn
}
