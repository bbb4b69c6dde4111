// Package stores provides the device persistence layer. It includes the
// encrypted SQLite secure store exposed to programs through the
// store_secure/load_secure capabilities and the program archive that lets
// loaded programs survive a restart.
package stores
