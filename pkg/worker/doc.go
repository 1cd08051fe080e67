/*
Package worker maintains the live inventory of worker servers.

Three loops run in parallel: a bus consumer applying register/unregister
events, a periodic health probe that calls each worker's CheckHealth and
marks it unreachable on any probe error, and a periodic rediscovery pass
that registers servers whose registration event was missed. Capability
queries select healthy workers whose advertised capability set covers the
request, in stable registration order.
*/
package worker
