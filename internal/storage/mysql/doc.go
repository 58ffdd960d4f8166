// Package mysql persists the submission journal in MySQL. It owns connection
// pooling, embedded schema migrations and the queries behind
// journal.Store.
package mysql
