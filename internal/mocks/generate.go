package mocks

//go:generate mockery --name AggregateStore --srcpkg github.com/aevon-lab/tally/internal/core/storage --output ./storage --outpkg storagemocks
