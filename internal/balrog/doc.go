// Package balrog submits update metadata to the Balrog admin API.
package balrog
