// Package mysql opens the pooled MySQL connection used by the task document
// store and applies the embedded schema migrations from deploy/migrations.
package mysql
